package healthcheck

import (
	"context"
	"errors"
	"testing"
)

func TestLogSink_CountsAlerts(t *testing.T) {
	s := NewLogSink("prod", "general", nil)
	s.Alert(context.Background(), "signal failed", errors.New("boom"))
	s.Alert(context.Background(), "signal failed again", errors.New("boom again"))

	if got := s.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}
