package server

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/store"
)

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{core.CodeValidationError, http.StatusBadRequest},
		{core.CodeNotApproved, http.StatusBadRequest},
		{core.CodeNoProposal, http.StatusBadRequest},
		{core.CodeUnauthorized, http.StatusUnauthorized},
		{core.CodeForbidden, http.StatusForbidden},
		{core.CodeProfileLocked, http.StatusForbidden},
		{core.CodeNotFound, http.StatusNotFound},
		{core.CodeTurnTimeout, http.StatusGatewayTimeout},
		{core.CodeLLMError, http.StatusBadGateway},
		{core.CodeSaveFailed, http.StatusInternalServerError},
		{core.CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusForCode(tc.code); got != tc.want {
			t.Errorf("statusForCode(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestProfileUpdateBlockedWhileLocked(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	h := &ProfileHandler{Store: &store.Store{DB: db}}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT locked FROM user_profiles WHERE user_id=$1")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))

	req := httptest.NewRequest(http.MethodPut, "/api/profile", nil)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "u1")

	err = h.update(ctx)
	coded, ok := err.(*core.CodedError)
	if !ok || coded.Code != core.CodeProfileLocked {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
