package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&simulation.Error{Kind: simulation.KindInvalidArgument}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &simulation.Error{Kind: simulation.KindNotFound}), http.StatusNotFound},
		{&simulation.Error{Kind: simulation.KindForbidden}, http.StatusForbidden},
		{&simulation.Error{Kind: simulation.KindUpstreamFailure}, http.StatusBadGateway},
		{&simulation.Error{Kind: simulation.KindInternal}, http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Fatalf("Status(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, &simulation.Error{Kind: simulation.KindInternal, Op: "end", Msg: "finalize session", Err: errors.New("database is locked")})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "locked") {
		t.Fatalf("internal details leaked: %s", rec.Body.String())
	}
}
