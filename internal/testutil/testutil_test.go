package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/AllybyWaiter/AllyGate/internal/models"
	"github.com/AllybyWaiter/AllyGate/internal/store"
)

func TestAssertJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"in_scope":true}}`)

	response := AssertJSONResponse(t, rr, "ok")
	result, ok := response["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %v", response["result"])
	}
	if result["in_scope"] != true {
		t.Errorf("expected in_scope true, got %v", result["in_scope"])
	}
}

func TestDecodeResult(t *testing.T) {
	rr := httptest.NewRecorder()
	rr.Body.WriteString(`{"status":"ok","result":{"in_scope":false,"reason":"off_topic"}}`)

	var decision models.ScopeDecision
	DecodeResult(t, rr, &decision)
	if decision.InScope {
		t.Error("expected out of scope decision")
	}
	if decision.Reason != models.ScopeReasonOffTopic {
		t.Errorf("expected off_topic reason, got %q", decision.Reason)
	}
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/evaluate/scope", map[string]string{"key": "value"})
	if req.Method != http.MethodPost {
		t.Errorf("expected method POST, got %s", req.Method)
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(body) != `{"key":"value"}` {
		t.Errorf("unexpected body %s", body)
	}

	req = CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if req.ContentLength != 0 {
		t.Errorf("expected empty body, got length %d", req.ContentLength)
	}
}

func TestCreateFormRequest(t *testing.T) {
	req := CreateFormRequest(t, "/webhook/twilio", url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hi"}})
	if err := req.ParseForm(); err != nil {
		t.Fatalf("failed to parse form: %v", err)
	}
	if req.PostForm.Get("From") != "whatsapp:+15551234567" {
		t.Errorf("unexpected From %q", req.PostForm.Get("From"))
	}
}

func TestSignTwilioRequest(t *testing.T) {
	params := map[string]string{"Body": "hi", "From": "whatsapp:+15551234567"}
	a := SignTwilioRequest("secret", "https://ally.example.com/webhook/twilio", params)
	b := SignTwilioRequest("secret", "https://ally.example.com/webhook/twilio", params)
	if a == "" || a != b {
		t.Errorf("expected stable non-empty signature, got %q and %q", a, b)
	}
	if SignTwilioRequest("other", "https://ally.example.com/webhook/twilio", params) == a {
		t.Error("expected signature to depend on the auth token")
	}
}

func TestDomainHelpers(t *testing.T) {
	messages := UserMessages("my pool is green", "it's 15k gallons")
	if len(messages) != 2 || messages[1].Role != models.RoleUser {
		t.Errorf("unexpected transcript %+v", messages)
	}

	sc := PoolContext(15000)
	if !sc.WaterTypeIs(models.WaterTypePool) || *sc.KnownVolumeGallons != 15000 {
		t.Errorf("unexpected context %+v", sc)
	}

	st := store.NewInMemoryStore()
	if err := st.AddDecision(models.DecisionRecord{ConversationID: "c1"}); err != nil {
		t.Fatalf("failed to add decision: %v", err)
	}
	AssertDecisionCount(t, st, "c1", 1, "one decision")
	AssertDecisionCount(t, st, "c2", 0, "no decisions")
}

func TestMustMarshalJSON(t *testing.T) {
	data := MustMarshalJSON(t, map[string]interface{}{"key": "value"})
	if string(data) != `{"key":"value"}` {
		t.Errorf("unexpected JSON %s", data)
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var target map[string]interface{}
	MustUnmarshalJSON(t, []byte(`{"key":"value","number":123}`), &target)

	if target["key"] != "value" {
		t.Errorf("expected key to be 'value', got %v", target["key"])
	}
	if target["number"].(float64) != 123 {
		t.Errorf("expected number to be 123, got %v", target["number"])
	}
}
