package feed

import (
	"testing"
	"time"

	"threatwatch/internal/model"
)

func msg(tenant string, id int64, at time.Time) model.Message {
	return model.Message{Type: model.MessageStatusUpdate, TenantID: tenant, IncidentID: id, SentAt: at}
}

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	now := time.Now()
	for i := int64(1); i <= 5; i++ {
		s.Add(msg("t1", i, now))
	}
	list := s.List("t1", 0)
	if len(list) != 3 || list[0].IncidentID != 3 || list[2].IncidentID != 5 {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
	if got := s.List("t1", 1); len(got) != 1 || got[0].IncidentID != 5 {
		t.Fatalf("limit: %+v", got)
	}
}

func TestListScopesTenant(t *testing.T) {
	s := NewStore(10)
	now := time.Now()
	s.Publish(msg("t1", 1, now.Add(-time.Minute)))
	s.Publish(msg("t2", 2, now))
	s.Publish(msg("t1", 3, now))
	if got := s.List("t2", 10); len(got) != 1 || got[0].IncidentID != 2 {
		t.Fatalf("tenant scope: %+v", got)
	}
	if got := s.Since("t1", now.Add(-time.Second)); len(got) != 1 || got[0].IncidentID != 3 {
		t.Fatalf("since: %+v", got)
	}
}
