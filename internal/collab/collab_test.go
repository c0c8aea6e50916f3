package collab_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"contest-station-client/internal/collab"
	"contest-station-client/internal/domain"
)

func TestDecodeQuestionShapes(t *testing.T) {
	standard := []byte(`{"id":"q1","title":"Pick one","type":"single","options":[{"id":"a","text":"A"}],"correctAnswer":["a"]}`)
	q, err := collab.DecodeQuestion(standard)
	if err != nil {
		t.Fatalf("decode standard: %v", err)
	}
	if q.Kind != domain.KindStandard || q.Standard == nil || q.Standard.ID != "q1" {
		t.Fatalf("unexpected standard decode: %+v", q)
	}

	ocean := []byte(`{"questionKey":"ok-1","stem":"Pick all","optionPool":[{"id":"o1","text":"O"}],"correctAnswerIds":["o1"]}`)
	q, err = collab.DecodeQuestion(ocean)
	if err != nil {
		t.Fatalf("decode ocean: %v", err)
	}
	if q.Kind != domain.KindOcean || q.Ocean == nil || q.Ocean.QuestionKey != "ok-1" {
		t.Fatalf("unexpected ocean decode: %+v", q)
	}

	if _, err := collab.DecodeQuestion([]byte(`{"title":"no identity"}`)); err == nil {
		t.Fatalf("expected an error for a question with no identity")
	}
}

func TestFetchQuestions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sheets/sheet-q/questions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"id":"q1","type":"single","correctAnswer":["a"]},{"questionKey":"ok-1"}]`))
	}))
	defer srv.Close()

	bank := collab.NewQuestionBank(srv.URL, srv.Client())
	qs, err := bank.FetchQuestions(context.Background(), "sheet-q")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(qs) != 2 || qs[0].Kind != domain.KindStandard || qs[1].Kind != domain.KindOcean {
		t.Fatalf("unexpected questions: %+v", qs)
	}
}

func TestGrabNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/stages/final/grab" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		if req["userId"] != "user-9" {
			t.Errorf("missing userId in grab body: %s", body)
		}
		_, _ = w.Write([]byte(`{"question":{"id":"q7","type":"single"},"remaining":4}`))
	}))
	defer srv.Close()

	bank := collab.NewQuestionBank(srv.URL, srv.Client())
	q, remaining, err := bank.GrabNext(context.Background(), "final", "user-9")
	if err != nil {
		t.Fatalf("grab: %v", err)
	}
	if q.Key() != "q7" || remaining != 4 {
		t.Fatalf("got key=%q remaining=%d", q.Key(), remaining)
	}
}

func TestGrabNextExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"question":null,"remaining":0}`))
	}))
	defer srv.Close()

	bank := collab.NewQuestionBank(srv.URL, srv.Client())
	_, _, err := bank.GrabNext(context.Background(), "final", "user-9")
	if !errors.Is(err, domain.ErrQuestionsExhausted) {
		t.Fatalf("expected ErrQuestionsExhausted, got %v", err)
	}
}

func TestNextFromPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pools/pool-1/next" || r.URL.Query().Get("userId") != "user-9" {
			t.Errorf("unexpected request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"questionKey":"ok-3","correctAnswerIds":["o2"]}`))
	}))
	defer srv.Close()

	bank := collab.NewQuestionBank(srv.URL, srv.Client())
	q, err := bank.NextFromPool(context.Background(), "pool-1", "user-9")
	if err != nil {
		t.Fatalf("pool next: %v", err)
	}
	if q.Kind != domain.KindOcean || q.Key() != "ok-3" {
		t.Fatalf("unexpected question: %+v", q)
	}
}

func TestListRecordsAndPatch(t *testing.T) {
	var patched map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sheets/sheet-s/records":
			_, _ = w.Write([]byte(`[{"id":"rec-1","fields":{"userId":"user-9","score":10}}]`))
		case r.Method == http.MethodPatch && r.URL.Path == "/sheets/sheet-s/records/rec-1":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &patched)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	sheets := collab.NewSheets(srv.URL, srv.Client())
	records, err := sheets.ListRecords(context.Background(), "sheet-s")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec-1" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if v, ok := records[0].StringField("userId"); !ok || v != "user-9" {
		t.Fatalf("StringField(userId) = %q ok=%v", v, ok)
	}
	if _, ok := records[0].StringField("score"); ok {
		t.Fatalf("non-string field must not read as a string")
	}

	if err := sheets.PatchRecord(context.Background(), "sheet-s", "rec-1", map[string]any{"correct": "true"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	fields, ok := patched["fields"].(map[string]any)
	if !ok || fields["correct"] != "true" {
		t.Fatalf("unexpected patch body: %+v", patched)
	}
}

func TestListEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"id":"ev-1","name":"Regional","generalSheetId":"general","stages":[{"stageId":"round1","kind":"standard"}]}]`))
	}))
	defer srv.Close()

	dir := collab.NewDirectory(srv.URL, srv.Client())
	events, err := dir.ListEvents(context.Background())
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "ev-1" || len(events[0].Stages) != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/attachments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer file.Close()
		if header.Filename != "sketch.png" {
			t.Errorf("filename %q", header.Filename)
		}
		_, _ = w.Write([]byte(`{"token":"tok-123"}`))
	}))
	defer srv.Close()

	uploads := collab.NewUploads(srv.URL, srv.Client())
	token, err := uploads.Upload(context.Background(), "sketch.png", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if token != "tok-123" {
		t.Fatalf("token %q", token)
	}
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	sheets := collab.NewSheets(srv.URL, srv.Client())
	if _, err := sheets.ListRecords(context.Background(), "sheet-s"); err == nil {
		t.Fatalf("expected an error for a 502 response")
	}
}
