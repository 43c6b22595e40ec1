package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChecker(t *testing.T) {
	c := NewChecker(nil)
	cases := []struct {
		role, perm string
		want       bool
	}{
		{RoleInstructor, PermPollGrade, true},
		{RoleInstructor, PermPollViewKey, true},
		{RoleInstructor, PermSessionAnswer, false},
		{RoleStudent, PermSessionAnswer, true},
		{RoleStudent, PermPollGrade, false},
		{RoleStudent, PermPollViewKey, false},
		{"observer", PermPollView, false},
	}
	for _, tc := range cases {
		if got := c.Has(tc.role, tc.perm); got != tc.want {
			t.Errorf("Has(%s,%s) = %v, want %v", tc.role, tc.perm, got, tc.want)
		}
	}
	if !c.Any(RoleStudent, PermPollGrade, PermSessionJoin) {
		t.Error("Any should match session:join")
	}
}

func TestRequire(t *testing.T) {
	h := Require(PermPollGrade)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for role, want := range map[string]int{RoleInstructor: 204, RoleStudent: 403, "": 403} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(WithRole(context.Background(), role))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("role %q: status %d, want %d", role, rec.Code, want)
		}
	}
}
