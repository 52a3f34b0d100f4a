package dispatch

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/webpush"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var targetDate = schedule.NewDate(2024, time.January, 10)

type memorySubscription struct {
	row        DueRow
	lastSentOn *schedule.Date
}

type memoryStore struct {
	mu            sync.Mutex
	subscriptions map[string]*memorySubscription
	order         []string
	duplicates    []string
	dueRowsCalls  int
	dueRowsErr    error
	deleteCalls   map[string]int
	releaseCalls  int
	attempts      []Attempt
	claimErr      error
}

func newMemoryStore(rows ...DueRow) *memoryStore {
	store := &memoryStore{
		subscriptions: make(map[string]*memorySubscription),
		deleteCalls:   make(map[string]int),
	}
	for _, row := range rows {
		store.subscriptions[row.SubscriptionID] = &memorySubscription{row: row, lastSentOn: row.LastSentOn}
		store.order = append(store.order, row.SubscriptionID)
	}
	return store
}

func (s *memoryStore) DueRows(_ context.Context, _ schedule.Date) ([]DueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dueRowsCalls++
	if s.dueRowsErr != nil {
		return nil, s.dueRowsErr
	}
	rows := make([]DueRow, 0, len(s.order))
	for _, id := range append(append([]string{}, s.order...), s.duplicates...) {
		subscription, ok := s.subscriptions[id]
		if !ok {
			continue
		}
		row := subscription.row
		if subscription.lastSentOn != nil {
			value := *subscription.lastSentOn
			row.LastSentOn = &value
		} else {
			row.LastSentOn = nil
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *memoryStore) ClaimDelivery(_ context.Context, subscriptionID string, date schedule.Date) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return false, s.claimErr
	}
	subscription, ok := s.subscriptions[subscriptionID]
	if !ok {
		return false, nil
	}
	if subscription.lastSentOn != nil && *subscription.lastSentOn == date {
		return false, nil
	}
	claimed := date
	subscription.lastSentOn = &claimed
	return true, nil
}

func (s *memoryStore) ReleaseDelivery(_ context.Context, subscriptionID string, date schedule.Date, previous *schedule.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	subscription, ok := s.subscriptions[subscriptionID]
	if !ok || subscription.lastSentOn == nil || *subscription.lastSentOn != date {
		return nil
	}
	subscription.lastSentOn = previous
	return nil
}

func (s *memoryStore) DeleteSubscription(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls[subscriptionID]++
	delete(s.subscriptions, subscriptionID)
	return nil
}

func (s *memoryStore) RecordAttempt(_ context.Context, attempt Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *memoryStore) lastSentOn(subscriptionID string) *schedule.Date {
	s.mu.Lock()
	defer s.mu.Unlock()
	subscription, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil
	}
	return subscription.lastSentOn
}

type scriptedSender struct {
	mu       sync.Mutex
	statuses map[string]int
	errs     map[string]error
	sends    map[string]int
	payloads map[string][]byte
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{
		statuses: make(map[string]int),
		errs:     make(map[string]error),
		sends:    make(map[string]int),
		payloads: make(map[string][]byte),
	}
}

func (s *scriptedSender) Send(_ context.Context, subscription webpush.Subscription, payload []byte) (webpush.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends[subscription.Endpoint]++
	s.payloads[subscription.Endpoint] = payload
	if err := s.errs[subscription.Endpoint]; err != nil {
		return webpush.Response{}, err
	}
	status, ok := s.statuses[subscription.Endpoint]
	if !ok {
		status = http.StatusCreated
	}
	return webpush.Response{StatusCode: status}, nil
}

func (s *scriptedSender) sendCount(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends[endpoint]
}

type sequentialIDs struct {
	mu   sync.Mutex
	next int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return "attempt-" + strconv.Itoa(p.next), nil
}

func testCredentials(testContext *testing.T) Credentials {
	testContext.Helper()
	publicKey, privateKey, err := webpush.GenerateVAPIDKeys(nil)
	if err != nil {
		testContext.Fatalf("failed to generate vapid keys: %v", err)
	}
	return Credentials{PublicKey: publicKey, PrivateKey: privateKey, Subject: "ops@example.com"}
}

func dueRow(id string, pending int) DueRow {
	return DueRow{
		UserID:         "user-" + id,
		SubscriptionID: id,
		Endpoint:       "https://push.example.com/" + id,
		P256dh:         "unused",
		AuthKey:        "unused",
		PendingCount:   pending,
	}
}

func newTestDispatcher(testContext *testing.T, store Store, sender Sender) *Dispatcher {
	testContext.Helper()
	return NewDispatcher(Config{
		Store:       store,
		Sender:      sender,
		Credentials: testCredentials(testContext),
		Workers:     3,
		Clock:       func() time.Time { return time.Date(2024, time.January, 10, 7, 0, 0, 0, time.UTC) },
		IDProvider:  &sequentialIDs{},
	})
}

func TestRunIsIdempotentAcrossInvocations(testContext *testing.T) {
	store := newMemoryStore(dueRow("sub-1", 2), dueRow("sub-2", 1))
	sender := newScriptedSender()
	dispatcher := newTestDispatcher(testContext, store, sender)

	first, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if first.Sent != 2 || first.Attempted != 2 || first.Skipped != 0 || first.TotalDueRows != 2 {
		testContext.Fatalf("unexpected first result: %+v", first)
	}

	second, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	if second.Sent != 0 || second.Attempted != 0 || second.Skipped != 2 {
		testContext.Fatalf("unexpected second result: %+v", second)
	}

	for _, endpoint := range []string{"https://push.example.com/sub-1", "https://push.example.com/sub-2"} {
		if count := sender.sendCount(endpoint); count != 1 {
			testContext.Fatalf("expected exactly one send to %s, got %d", endpoint, count)
		}
	}
	if got := store.lastSentOn("sub-1"); got == nil || *got != targetDate {
		testContext.Fatalf("expected last_sent_on to be %s, got %v", targetDate, got)
	}
}

func TestRunConcurrentInvocationsSendOnce(testContext *testing.T) {
	rows := make([]DueRow, 0, 12)
	for index := 0; index < 12; index++ {
		rows = append(rows, dueRow("sub-"+strconv.Itoa(index), 1))
	}
	store := newMemoryStore(rows...)
	sender := newScriptedSender()
	dispatcher := newTestDispatcher(testContext, store, sender)

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for index := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := dispatcher.Run(context.Background(), targetDate)
			if err != nil {
				testContext.Errorf("run failed: %v", err)
			}
			results[index] = result
		}()
	}
	wg.Wait()

	totalSent := 0
	for _, result := range results {
		totalSent += result.Sent
	}
	if totalSent != len(rows) {
		testContext.Fatalf("expected %d sends across runs, got %d", len(rows), totalSent)
	}
	for _, row := range rows {
		if count := sender.sendCount(row.Endpoint); count != 1 {
			testContext.Fatalf("expected one send to %s, got %d", row.Endpoint, count)
		}
	}
}

func TestRunDeletesGoneSubscriptionExactlyOnce(testContext *testing.T) {
	gone := dueRow("sub-gone", 1)
	store := newMemoryStore(gone, dueRow("sub-ok", 1))
	store.duplicates = []string{"sub-gone"}
	sender := newScriptedSender()
	sender.statuses[gone.Endpoint] = http.StatusGone
	dispatcher := newTestDispatcher(testContext, store, sender)

	result, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	if result.Deleted != 1 || result.Sent != 1 || len(result.Failures) != 0 {
		testContext.Fatalf("unexpected result: %+v", result)
	}
	if result.TotalDueRows != 3 || result.Skipped != 1 {
		testContext.Fatalf("expected duplicate row to be skipped, got %+v", result)
	}
	if store.deleteCalls["sub-gone"] != 1 {
		testContext.Fatalf("expected one delete, got %d", store.deleteCalls["sub-gone"])
	}
	if sender.sendCount(gone.Endpoint) != 1 {
		testContext.Fatalf("expected one send to gone endpoint, got %d", sender.sendCount(gone.Endpoint))
	}

	again, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	if again.TotalDueRows != 1 || sender.sendCount(gone.Endpoint) != 1 {
		testContext.Fatalf("deleted subscription must not be retried: %+v", again)
	}
}

func TestRunReleasesClaimOnTransientFailure(testContext *testing.T) {
	previous := targetDate.AddDays(-1)
	row := dueRow("sub-flaky", 3)
	row.LastSentOn = &previous
	store := newMemoryStore(row, dueRow("sub-broken", 1))
	sender := newScriptedSender()
	sender.statuses[row.Endpoint] = http.StatusTooManyRequests
	sender.errs["https://push.example.com/sub-broken"] = errors.New("dial tcp: connection refused")
	dispatcher := newTestDispatcher(testContext, store, sender)

	result, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	if result.Attempted != 2 || result.Sent != 0 || len(result.Failures) != 2 {
		testContext.Fatalf("unexpected result: %+v", result)
	}

	sort.Slice(result.Failures, func(i, j int) bool { return result.Failures[i].Endpoint < result.Failures[j].Endpoint })
	broken, flaky := result.Failures[0], result.Failures[1]
	if broken.StatusCode != nil || !strings.Contains(broken.Error, "connection refused") {
		testContext.Fatalf("unexpected transport failure: %+v", broken)
	}
	if flaky.StatusCode == nil || *flaky.StatusCode != http.StatusTooManyRequests {
		testContext.Fatalf("expected status code on failure, got %+v", flaky)
	}

	if got := store.lastSentOn("sub-flaky"); got == nil || *got != previous {
		testContext.Fatalf("expected claim released to %s, got %v", previous, got)
	}
	if got := store.lastSentOn("sub-broken"); got != nil {
		testContext.Fatalf("expected claim released to nil, got %v", got)
	}

	delete(sender.statuses, row.Endpoint)
	retry, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("retry run failed: %v", err)
	}
	if retry.Sent != 1 {
		testContext.Fatalf("expected flaky subscription to be sent on retry, got %+v", retry)
	}
}

func TestRunSkipsRowsAlreadySentToday(testContext *testing.T) {
	sentToday := targetDate
	row := dueRow("sub-done", 1)
	row.LastSentOn = &sentToday
	store := newMemoryStore(row)
	store.claimErr = errors.New("claim must not be attempted")
	sender := newScriptedSender()
	dispatcher := newTestDispatcher(testContext, store, sender)

	result, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	if result.Skipped != 1 || result.Attempted != 0 || len(result.Failures) != 0 {
		testContext.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunRecordsClaimFailureWithoutSending(testContext *testing.T) {
	store := newMemoryStore(dueRow("sub-1", 1))
	store.claimErr = errors.New("database is locked")
	sender := newScriptedSender()
	dispatcher := newTestDispatcher(testContext, store, sender)

	result, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	if len(result.Failures) != 1 || result.Attempted != 0 {
		testContext.Fatalf("unexpected result: %+v", result)
	}
	if sender.sendCount("https://push.example.com/sub-1") != 0 {
		testContext.Fatalf("expected no send without a claim")
	}
}

func TestRunRecordsDeliveryAttempts(testContext *testing.T) {
	gone := dueRow("sub-gone", 1)
	store := newMemoryStore(dueRow("sub-ok", 1), gone)
	sender := newScriptedSender()
	sender.statuses[gone.Endpoint] = http.StatusNotFound
	dispatcher := newTestDispatcher(testContext, store, sender)

	if _, err := dispatcher.Run(context.Background(), targetDate); err != nil {
		testContext.Fatalf("run failed: %v", err)
	}

	outcomes := map[string]Outcome{}
	for _, attempt := range store.attempts {
		if attempt.ID == "" || attempt.TargetDate != targetDate || attempt.AttemptedAt.IsZero() {
			testContext.Fatalf("incomplete attempt record: %+v", attempt)
		}
		outcomes[attempt.SubscriptionID] = attempt.Outcome
	}
	if outcomes["sub-ok"] != OutcomeSent || outcomes["sub-gone"] != OutcomeStaleDeleted {
		testContext.Fatalf("unexpected outcomes: %v", outcomes)
	}
}

func TestRunBuildsReminderPayload(testContext *testing.T) {
	store := newMemoryStore(dueRow("sub-1", 1), dueRow("sub-2", 3))
	sender := newScriptedSender()
	dispatcher := newTestDispatcher(testContext, store, sender)

	if _, err := dispatcher.Run(context.Background(), targetDate); err != nil {
		testContext.Fatalf("run failed: %v", err)
	}

	testCases := []struct {
		endpoint string
		body     string
		pending  int
	}{
		{endpoint: "https://push.example.com/sub-1", body: "You have 1 compound due today", pending: 1},
		{endpoint: "https://push.example.com/sub-2", body: "You have 3 compounds due today", pending: 3},
	}
	for _, testCase := range testCases {
		var decoded notification
		if err := json.Unmarshal(sender.payloads[testCase.endpoint], &decoded); err != nil {
			testContext.Fatalf("payload for %s is not json: %v", testCase.endpoint, err)
		}
		if decoded.Body != testCase.body || decoded.Pending != testCase.pending {
			testContext.Fatalf("unexpected payload for %s: %+v", testCase.endpoint, decoded)
		}
		if decoded.Date != "2024-01-10" || decoded.Tag != "dose-reminder-2024-01-10" || decoded.URL != "/" || decoded.Title == "" {
			testContext.Fatalf("unexpected payload metadata: %+v", decoded)
		}
	}
}

func TestRunRejectsConfigurationErrorsBeforeReadingRows(testContext *testing.T) {
	valid := testCredentials(testContext)
	other := testCredentials(testContext)

	testCases := []struct {
		name        string
		store       bool
		credentials Credentials
		code        string
	}{
		{name: "missing-store", store: false, credentials: valid, code: "dispatch.run.missing_store"},
		{name: "missing-keys", store: true, credentials: Credentials{Subject: "ops@example.com"}, code: "dispatch.run.missing_vapid_keys"},
		{name: "missing-subject", store: true, credentials: Credentials{PublicKey: valid.PublicKey, PrivateKey: valid.PrivateKey}, code: "dispatch.run.missing_vapid_subject"},
		{name: "mismatched-keys", store: true, credentials: Credentials{PublicKey: other.PublicKey, PrivateKey: valid.PrivateKey, Subject: "ops@example.com"}, code: "dispatch.run.invalid_vapid_keys"},
		{name: "garbage-keys", store: true, credentials: Credentials{PublicKey: "not-a-key", PrivateKey: "also-not", Subject: "ops@example.com"}, code: "dispatch.run.invalid_vapid_keys"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			memory := newMemoryStore(dueRow("sub-1", 1))
			cfg := Config{Credentials: testCase.credentials, Sender: newScriptedSender()}
			if testCase.store {
				cfg.Store = memory
			}
			_, err := NewDispatcher(cfg).Run(context.Background(), targetDate)
			if err == nil {
				testContext.Fatalf("expected configuration error")
			}
			if !IsConfigurationError(err) {
				testContext.Fatalf("expected configuration error, got %v", err)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.code {
				testContext.Fatalf("expected code %s, got %v", testCase.code, err)
			}
			if memory.dueRowsCalls != 0 {
				testContext.Fatalf("expected no rows to be read")
			}
		})
	}
}

func TestRunSurfacesDueRowFailures(testContext *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	store := newMemoryStore()
	store.dueRowsErr = errors.New("relation compounds does not exist")
	dispatcher := NewDispatcher(Config{
		Store:       store,
		Sender:      newScriptedSender(),
		Credentials: testCredentials(testContext),
		Logger:      zap.New(core),
	})

	_, err := dispatcher.Run(context.Background(), targetDate)
	if err == nil {
		testContext.Fatalf("expected error")
	}
	if IsConfigurationError(err) {
		testContext.Fatalf("due row failure must not be a configuration error")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "dispatch.run.due_rows_failed" {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if logs.FilterField(zap.String("reason", "due_rows_failed")).Len() != 1 {
		testContext.Fatalf("expected due_rows_failed to be logged, got %v", logs.All())
	}
}

func TestRunReturnsEmptyFailureListAsArray(testContext *testing.T) {
	dispatcher := newTestDispatcher(testContext, newMemoryStore(), newScriptedSender())
	result, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		testContext.Fatalf("marshal failed: %v", err)
	}
	expected := `{"date":"2024-01-10","attempted":0,"sent":0,"skipped":0,"deleted":0,"errors":[],"total_due_rows":0}`
	if string(encoded) != expected {
		testContext.Fatalf("unexpected json: %s", encoded)
	}
}

func TestRunDeliversThroughWebPushClient(testContext *testing.T) {
	var (
		mu          sync.Mutex
		authHeaders []string
	)
	pushService := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		mu.Lock()
		authHeaders = append(authHeaders, request.Header.Get("Authorization"))
		mu.Unlock()
		writer.WriteHeader(http.StatusCreated)
	}))
	defer pushService.Close()

	subscriberKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		testContext.Fatalf("failed to generate subscriber key: %v", err)
	}
	authSecret := make([]byte, 16)
	if _, err := rand.Read(authSecret); err != nil {
		testContext.Fatalf("failed to generate auth secret: %v", err)
	}
	row := DueRow{
		UserID:         "user-1",
		SubscriptionID: "sub-1",
		Endpoint:       pushService.URL + "/push/sub-1",
		P256dh:         base64.RawURLEncoding.EncodeToString(subscriberKey.PublicKey().Bytes()),
		AuthKey:        base64.RawURLEncoding.EncodeToString(authSecret),
		PendingCount:   2,
	}
	credentials := testCredentials(testContext)
	dispatcher := NewDispatcher(Config{
		Store:          newMemoryStore(row),
		Credentials:    credentials,
		HTTPClient:     pushService.Client(),
		RequestTimeout: 2 * time.Second,
		RatePerSecond:  100,
	})

	result, err := dispatcher.Run(context.Background(), targetDate)
	if err != nil {
		testContext.Fatalf("run failed: %v", err)
	}
	if result.Sent != 1 {
		testContext.Fatalf("expected one send, got %+v", result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(authHeaders) != 1 || !strings.HasSuffix(authHeaders[0], ", k="+credentials.PublicKey) {
		testContext.Fatalf("unexpected authorization headers: %v", authHeaders)
	}
}

func TestIsConfigurationErrorIgnoresForeignErrors(testContext *testing.T) {
	if IsConfigurationError(errors.New("dispatch.run.missing_store")) {
		testContext.Fatalf("plain errors must not be classified as configuration errors")
	}
	if IsConfigurationError(nil) {
		testContext.Fatalf("nil must not be a configuration error")
	}
}
