package carrier

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateCallPostsFormAndDecodesSid(t *testing.T) {
	var gotPath, gotAuth string
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		user, pass, _ := r.BasicAuth()
		gotAuth = user + ":" + pass
		r.ParseForm()
		gotForm = map[string]string{}
		for k := range r.PostForm {
			gotForm[k] = r.PostForm.Get(k)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"CA777","status":"queued"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "AC123", "secret", slog.New(slog.DiscardHandler))
	call, err := c.CreateCall(context.Background(), CreateCallRequest{
		To:             "+61400000001",
		From:           "+61255550123",
		AnswerURL:      "https://calls.example.com/outbound/twiml?occurrenceId=occ-1",
		StatusCallback: "https://calls.example.com/outbound/status",
		TimeoutSecs:    30,
	})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	if call.Sid != "CA777" {
		t.Errorf("expected CA777, got %s", call.Sid)
	}
	if gotPath != "/Accounts/AC123/Calls.json" {
		t.Errorf("unexpected path %s", gotPath)
	}
	if gotAuth != "AC123:secret" {
		t.Errorf("unexpected auth %s", gotAuth)
	}
	if gotForm["To"] != "+61400000001" || gotForm["Timeout"] != "30" {
		t.Errorf("unexpected form %v", gotForm)
	}
	if gotForm["StatusCallback"] == "" {
		t.Error("status callback not set")
	}
}

func TestCreateCallSurfacesCarrierErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "AC123", "secret", slog.New(slog.DiscardHandler))
	if _, err := c.CreateCall(context.Background(), CreateCallRequest{To: "bogus"}); err == nil {
		t.Fatal("expected error on 400")
	}
}
