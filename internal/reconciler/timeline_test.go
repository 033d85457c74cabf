// ABOUTME: Tests for the confirmed-entry placement rule
// ABOUTME: Confirmed entries sort by time among trailing confirmed entries only

package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestInsertConfirmed(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	tests := []struct {
		name  string
		start []Entry
		add   Entry
		want  []string
	}{
		{
			name:  "empty",
			start: nil,
			add:   Entry{ID: "a", CreatedAt: at(1), Confirmed: true},
			want:  []string{"a"},
		},
		{
			name: "out of order push sorts before later confirmed",
			start: []Entry{
				{ID: "a", CreatedAt: at(1), Confirmed: true},
				{ID: "c", CreatedAt: at(3), Confirmed: true},
			},
			add:  Entry{ID: "b", CreatedAt: at(2), Confirmed: true},
			want: []string{"a", "b", "c"},
		},
		{
			name: "never jumps an optimistic entry",
			start: []Entry{
				{ID: "a", CreatedAt: at(5), Confirmed: true},
				{ID: "local-1", CreatedAt: at(6)},
				{ID: "c", CreatedAt: at(9), Confirmed: true},
			},
			add:  Entry{ID: "b", CreatedAt: at(1), Confirmed: true},
			want: []string{"a", "local-1", "b", "c"},
		},
		{
			name: "timestamp tie broken by id",
			start: []Entry{
				{ID: "m2", CreatedAt: at(1), Confirmed: true},
			},
			add:  Entry{ID: "m1", CreatedAt: at(1), Confirmed: true},
			want: []string{"m1", "m2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := insertConfirmed(append([]Entry(nil), tt.start...), tt.add)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}
