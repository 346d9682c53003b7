package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/towerctl/internal/domain"
	"github.com/danmuck/towerctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

const towerA = domain.TowerID("02aa")

type fakeController struct {
	towers       map[domain.TowerID]domain.Tower
	appointments map[string]domain.AppointmentRecord
	registerErr  error
	registered   []string
	deregistered []domain.TowerID
}

func newFakeController() *fakeController {
	return &fakeController{
		towers: map[domain.TowerID]domain.Tower{
			towerA: {
				ID:      towerA,
				Address: "10.0.0.1:9814",
				Status:  domain.TemporaryFailure(2, time.Unix(1700000000, 0).UTC()),
			},
		},
		appointments: map[string]domain.AppointmentRecord{
			"appt-1": {
				Appointment: domain.Appointment{ID: "appt-1", TowerID: towerA, ChannelID: "chan-1", ToSelfDelay: 144},
				Status:      domain.AppointmentAccepted,
				Attempts:    1,
				Receipt:     &domain.Receipt{AppointmentID: "appt-1", TowerSignature: "sig", StartBlock: 812},
			},
			"appt-2": {
				Appointment: domain.Appointment{ID: "appt-2", TowerID: towerA, ChannelID: "chan-1"},
				Status:      domain.AppointmentRejected,
				Reject:      &domain.RejectReason{Code: 4, Message: "too large"},
			},
		},
	}
}

func (f *fakeController) ListTowers() []domain.Tower {
	out := make([]domain.Tower, 0, len(f.towers))
	for _, t := range f.towers {
		out = append(out, t)
	}
	return out
}

func (f *fakeController) Tower(id domain.TowerID) (domain.Tower, error) {
	t, ok := f.towers[id]
	if !ok {
		return domain.Tower{}, fmt.Errorf("fake: %w", domain.ErrTowerNotFound)
	}
	return t, nil
}

func (f *fakeController) RegisterTower(address, pubKeyHex string) (domain.Tower, error) {
	if f.registerErr != nil {
		return domain.Tower{}, f.registerErr
	}
	f.registered = append(f.registered, address+"|"+pubKeyHex)
	t := domain.Tower{ID: domain.TowerID(pubKeyHex), Address: address, Status: domain.Reachable()}
	f.towers[t.ID] = t
	return t, nil
}

func (f *fakeController) DeregisterTower(id domain.TowerID) (domain.Tower, error) {
	t, err := f.Tower(id)
	if err != nil {
		return domain.Tower{}, err
	}
	f.deregistered = append(f.deregistered, id)
	t.Deregistered = true
	return t, nil
}

func (f *fakeController) AbandonedAppointments(id domain.TowerID) ([]domain.AppointmentRecord, error) {
	if _, err := f.Tower(id); err != nil {
		return nil, err
	}
	return []domain.AppointmentRecord{f.appointments["appt-2"]}, nil
}

func (f *fakeController) Appointment(id string) (domain.AppointmentRecord, error) {
	rec, ok := f.appointments[id]
	if !ok {
		return domain.AppointmentRecord{}, fmt.Errorf("fake: %w", domain.ErrAppointmentNotFound)
	}
	return rec, nil
}

func (f *fakeController) ChannelAppointments(channelID string) ([]domain.AppointmentRecord, error) {
	out := []domain.AppointmentRecord{}
	for _, id := range []string{"appt-1", "appt-2"} {
		if rec := f.appointments[id]; rec.ChannelID == channelID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func newTestServer(ctrl Controller) http.Handler {
	gin.SetMode(gin.TestMode)
	return New(ctrl, Options{}).Handler()
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	h := newTestServer(newFakeController())

	w := do(t, h, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status=%d", w.Code)
	}
	var health map[string]any
	decode(t, w, &health)
	if health["status"] != "ok" || health["towers"] != float64(1) {
		t.Fatalf("health=%v", health)
	}

	w = do(t, h, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "towerctl_http_requests_total") {
		t.Fatalf("metrics status=%d", w.Code)
	}
}

func TestTowerRoutes(t *testing.T) {
	testlog.Start(t)
	ctrl := newFakeController()
	h := newTestServer(ctrl)

	w := do(t, h, http.MethodGet, "/towers/02AA", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get tower status=%d body=%s", w.Code, w.Body.String())
	}
	var tower TowerView
	decode(t, w, &tower)
	if tower.Status != "temporary_failure" || tower.RetryCount != 2 || tower.NextRetryAt == nil {
		t.Fatalf("tower=%+v", tower)
	}

	if w := do(t, h, http.MethodGet, "/towers/03ff", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing tower status=%d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/towers", `{"address":"10.0.0.2:9814","pubkey":"03bb"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status=%d body=%s", w.Code, w.Body.String())
	}
	if len(ctrl.registered) != 1 || ctrl.registered[0] != "10.0.0.2:9814|03bb" {
		t.Fatalf("registered=%v", ctrl.registered)
	}

	var list struct {
		Towers []TowerView `json:"towers"`
	}
	decode(t, do(t, h, http.MethodGet, "/towers", ""), &list)
	if len(list.Towers) != 2 {
		t.Fatalf("towers=%+v", list.Towers)
	}

	w = do(t, h, http.MethodDelete, "/towers/02aa", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deregister status=%d", w.Code)
	}
	if len(ctrl.deregistered) != 1 || ctrl.deregistered[0] != towerA {
		t.Fatalf("deregistered=%v", ctrl.deregistered)
	}

	var abandoned struct {
		Appointments []AppointmentView `json:"appointments"`
	}
	decode(t, do(t, h, http.MethodGet, "/towers/02aa/abandoned", ""), &abandoned)
	if len(abandoned.Appointments) != 1 || abandoned.Appointments[0].ID != "appt-2" {
		t.Fatalf("abandoned=%+v", abandoned.Appointments)
	}
}

func TestRegisterTowerErrors(t *testing.T) {
	testlog.Start(t)
	ctrl := newFakeController()
	h := newTestServer(ctrl)

	if w := do(t, h, http.MethodPost, "/towers", `{"address":"10.0.0.2:9814"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing pubkey status=%d", w.Code)
	}
	cases := map[error]int{
		fmt.Errorf("x: %w", domain.ErrAlreadyRegistered): http.StatusConflict,
		fmt.Errorf("x: %w", domain.ErrTowerRejected):     http.StatusForbidden,
		fmt.Errorf("x: %w", domain.ErrInvalidTowerKey):   http.StatusBadRequest,
		fmt.Errorf("x: %w", domain.ErrInvalidAddress):    http.StatusBadRequest,
		fmt.Errorf("disk full"):                          http.StatusInternalServerError,
	}
	for err, want := range cases {
		ctrl.registerErr = err
		w := do(t, h, http.MethodPost, "/towers", `{"address":"10.0.0.2:9814","pubkey":"03bb"}`)
		if w.Code != want {
			t.Fatalf("%v: status=%d want %d", err, w.Code, want)
		}
	}
}

func TestAppointmentRoutes(t *testing.T) {
	testlog.Start(t)
	h := newTestServer(newFakeController())

	var appt AppointmentView
	w := do(t, h, http.MethodGet, "/appointments/appt-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get appointment status=%d", w.Code)
	}
	decode(t, w, &appt)
	if appt.Status != "accepted" || appt.Receipt == nil || appt.Receipt.StartBlock != 812 {
		t.Fatalf("appointment=%+v", appt)
	}

	var rejected AppointmentView
	decode(t, do(t, h, http.MethodGet, "/appointments/appt-2", ""), &rejected)
	if rejected.Reject == nil || rejected.Reject.Code != 4 || rejected.Receipt != nil {
		t.Fatalf("rejected appointment=%+v", rejected)
	}

	if w := do(t, h, http.MethodGet, "/appointments/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing appointment status=%d", w.Code)
	}

	var list struct {
		Appointments []AppointmentView `json:"appointments"`
	}
	decode(t, do(t, h, http.MethodGet, "/channels/chan-1/appointments", ""), &list)
	if len(list.Appointments) != 2 || list.Appointments[0].ID != "appt-1" {
		t.Fatalf("channel appointments=%+v", list.Appointments)
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	ctrl := newFakeController()
	h := New(ctrl, Options{Tokens: []string{" ", "s3cret"}}).Handler()

	withAuth := func(method, path, body, header string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	body := `{"address":"10.0.0.2:9814","pubkey":"03bb"}`
	if code := withAuth(http.MethodPost, "/towers", body, ""); code != http.StatusUnauthorized {
		t.Fatalf("no token status=%d", code)
	}
	if code := withAuth(http.MethodPost, "/towers", body, "Bearer wrong"); code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", code)
	}
	if code := withAuth(http.MethodDelete, "/towers/02aa", "", "Basic s3cret"); code != http.StatusUnauthorized {
		t.Fatalf("basic scheme status=%d", code)
	}
	if len(ctrl.registered) != 0 || len(ctrl.deregistered) != 0 {
		t.Fatalf("controller reached without auth: %v %v", ctrl.registered, ctrl.deregistered)
	}

	if code := withAuth(http.MethodPost, "/towers", body, "Bearer s3cret"); code != http.StatusCreated {
		t.Fatalf("authorized register status=%d", code)
	}
	if code := withAuth(http.MethodDelete, "/towers/02aa", "", "Bearer s3cret"); code != http.StatusOK {
		t.Fatalf("authorized deregister status=%d", code)
	}
	if w := do(t, h, http.MethodGet, "/towers/02aa", ""); w.Code != http.StatusOK {
		t.Fatalf("reads stay open, status=%d", w.Code)
	}
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	srv := New(newFakeController(), Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
