package conversation

import (
	"fmt"
	"testing"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

func TestTurnLogKeepsLatest(t *testing.T) {
	log := NewTurnLog(3)
	for i := 0; i < 5; i++ {
		log.Append(chat, models.Turn{Role: models.TurnRoleUser, Text: fmt.Sprint(i)})
	}

	all := log.Recent(chat, 0)
	if len(all) != 3 || all[0].Text != "2" || all[2].Text != "4" {
		t.Errorf("Recent(0) = %+v", all)
	}
	two := log.Recent(chat, 2)
	if len(two) != 2 || two[0].Text != "3" {
		t.Errorf("Recent(2) = %+v", two)
	}

	log.Clear()
	if len(log.Recent(chat, 0)) != 0 {
		t.Error("Clear left turns behind")
	}
}
