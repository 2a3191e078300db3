package realtime_test

import (
	"testing"

	"github.com/jensholdgaard/player-auction/internal/realtime"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantErr  bool
		wantKind realtime.Kind
		wantOp   string
		wantOld  bool
		wantNew  bool
	}{
		{
			name:     "queue insert",
			payload:  `{"table":"auction_queue","op":"INSERT","tournament_id":"t1","old":null,"new":{"id":"q1","position":1}}`,
			wantKind: realtime.QueueChanged,
			wantOp:   "INSERT",
			wantNew:  true,
		},
		{
			name:     "team update",
			payload:  `{"table":"teams","op":"UPDATE","tournament_id":"t1","old":{"remaining_budget":5},"new":{"remaining_budget":4}}`,
			wantKind: realtime.TeamChanged,
			wantOp:   "UPDATE",
			wantOld:  true,
			wantNew:  true,
		},
		{
			name:     "round delete",
			payload:  `{"table":"auction_rounds","op":"DELETE","tournament_id":"t1","old":{"id":"r1"},"new":null}`,
			wantKind: realtime.RoundChanged,
			wantOp:   "DELETE",
			wantOld:  true,
		},
		{
			name:    "unknown table",
			payload: `{"table":"tournaments","op":"INSERT","tournament_id":"t1"}`,
			wantErr: true,
		},
		{
			name:    "malformed",
			payload: `not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := realtime.ParseNotification(tt.payload, epoch)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNotification() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if c.Kind != tt.wantKind || c.Op != tt.wantOp || c.TournamentID != "t1" {
				t.Errorf("got %+v, want kind %s op %s", c, tt.wantKind, tt.wantOp)
			}
			if (len(c.Old) > 0) != tt.wantOld {
				t.Errorf("Old = %s, want present=%v", c.Old, tt.wantOld)
			}
			if (len(c.New) > 0) != tt.wantNew {
				t.Errorf("New = %s, want present=%v", c.New, tt.wantNew)
			}
			if !c.At.Equal(epoch) {
				t.Errorf("At = %s, want %s", c.At, epoch)
			}
		})
	}
}

func TestKindForTable(t *testing.T) {
	for table, want := range map[string]realtime.Kind{
		"auction_queue":  realtime.QueueChanged,
		"auction_rounds": realtime.RoundChanged,
		"teams":          realtime.TeamChanged,
		"players":        realtime.PlayerChanged,
	} {
		if got, ok := realtime.KindForTable(table); !ok || got != want {
			t.Errorf("KindForTable(%q) = %s, %v; want %s", table, got, ok, want)
		}
	}
}
