package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/paydist/internal/amount"
	"pkt.systems/paydist/internal/clock"
	"pkt.systems/paydist/internal/ledger"
	"pkt.systems/paydist/internal/payment"
)

func mustAccount(t *testing.T, s string) ledger.AccountID {
	t.Helper()
	id, err := ledger.ParseEntityID(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return id
}

func TestWriteCSV(t *testing.T) {
	started := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("CET", 3600))
	results := []payment.Result{
		{
			Index:              0,
			Account:            mustAccount(t, "0.0.1001"),
			Amount:             amount.MustParseDecimal("12.5"),
			Stage:              payment.StageCompleted,
			ScheduleID:         "0.0.7001",
			SchedulingTxID:     "0.0.2@1.2-abc",
			SchedulingStatus:   "SUCCESS",
			ScheduledTxID:      "0.0.2@1.2-abc?scheduled",
			ConfirmationStatus: "SUCCESS",
			Started:            started,
			Scheduled:          started.Add(time.Second),
			Finished:           started.Add(2 * time.Second),
		},
		{
			Index:   1,
			Account: mustAccount(t, "0.0.1002"),
			Amount:  amount.MustParseDecimal("3"),
			Stage:   payment.StageNotStarted,
		},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, results); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(Header, ",") {
		t.Fatalf("header = %v", rows[0])
	}
	first := rows[1]
	if first[0] != "0.0.1001" || first[1] != "12.5" || first[2] != "0.0.7001" {
		t.Fatalf("unexpected leading cells %v", first[:3])
	}
	if first[6] != NotAvailable || first[5] != NotAvailable {
		t.Fatalf("countersigning cells should be n/a: %v", first)
	}
	if first[9] != "Completed" {
		t.Fatalf("status description = %q", first[9])
	}
	if first[10] != "2026-03-04T04:06:07.891Z" {
		t.Fatalf("started = %q", first[10])
	}
	if first[12] != NotAvailable {
		t.Fatalf("countersigned = %q", first[12])
	}
	second := rows[2]
	for i := 2; i < len(second); i++ {
		if i == 9 {
			continue
		}
		if second[i] != NotAvailable {
			t.Fatalf("cell %d = %q, want n/a", i, second[i])
		}
	}
	if second[9] != "Not Started" {
		t.Fatalf("status description = %q", second[9])
	}
}

func TestDiskSink(t *testing.T) {
	root := t.TempDir()
	sink, err := NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()
	loc, err := sink.Put(ctx, "runs/a.csv", strings.NewReader("hello"), 5)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != filepath.Join(sink.Root(), "runs", "a.csv") {
		t.Fatalf("location = %s", loc)
	}
	data, err := os.ReadFile(loc)
	if err != nil || string(data) != "hello" {
		t.Fatalf("read back %q: %v", data, err)
	}
	entries, _ := os.ReadDir(filepath.Join(sink.Root(), "runs"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %v", entries)
	}
	if _, err := sink.Put(ctx, "../escape.csv", strings.NewReader("x"), 1); err == nil {
		t.Fatalf("expected invalid name error")
	}
	if _, err := sink.Get(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestS3Sink(t *testing.T) {
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	defer server.Close()
	if err := backend.CreateBucket("paydist-reports"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	sink, err := NewS3(S3Config{
		Endpoint:       strings.TrimPrefix(server.URL, "http://"),
		Region:         "us-east-1",
		Bucket:         "paydist-reports",
		Prefix:         "/runs/",
		Insecure:       true,
		ForcePathStyle: true,
		Creds:          credentials.NewStaticV4("test", "test", ""),
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	ctx := context.Background()
	if err := sink.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	body := "Account,Amount\n0.0.1,1\n"
	loc, err := sink.Put(ctx, "r.csv", strings.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "s3://paydist-reports/runs/r.csv" {
		t.Fatalf("location = %s", loc)
	}
	rc, err := sink.Get(ctx, "r.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != body {
		t.Fatalf("read back %q", got)
	}
	if _, err := sink.Get(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type flakySink struct {
	failures int
	err      error
	calls    int
	bodies   []string
}

func (f *flakySink) Put(_ context.Context, _ string, body io.Reader, _ int64) (string, error) {
	f.calls++
	data, _ := io.ReadAll(body)
	f.bodies = append(f.bodies, string(data))
	if f.calls <= f.failures {
		return "", f.err
	}
	return "flaky://ok", nil
}

func TestRetryRewindsBody(t *testing.T) {
	inner := &flakySink{failures: 2, err: NewTransientError(errors.New("503"))}
	sink := WithRetry(inner, nil, clock.Real{}, RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond})
	loc, err := sink.Put(context.Background(), "r.csv", io.MultiReader(strings.NewReader("abc")), 3)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "flaky://ok" || inner.calls != 3 {
		t.Fatalf("loc=%s calls=%d", loc, inner.calls)
	}
	for i, body := range inner.bodies {
		if body != "abc" {
			t.Fatalf("attempt %d uploaded %q", i, body)
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	inner := &flakySink{failures: 5, err: errors.New("access denied")}
	sink := WithRetry(inner, nil, clock.Real{}, RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond})
	if _, err := sink.Put(context.Background(), "r.csv", strings.NewReader("abc"), 3); err == nil {
		t.Fatalf("expected error")
	}
	if inner.calls != 1 {
		t.Fatalf("permanent error retried %d times", inner.calls)
	}
}

func TestEncryptedSinkRoundTrip(t *testing.T) {
	root, err := keymgmt.GenerateRootKey()
	if err != nil {
		t.Fatalf("root key: %v", err)
	}
	enc, err := NewEncryptor(root)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	mem := NewMemory()
	sink := Encrypted(mem, enc)
	plain := strings.Repeat("0.0.1001,12.5,SUCCESS\n", 2000)
	ctx := context.Background()
	if _, err := sink.Put(ctx, "run.csv", strings.NewReader(plain), int64(len(plain))); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if names := mem.Names(); len(names) != 2 || names[1] != "run.csv"+DescriptorSuffix {
		t.Fatalf("stored objects %v", names)
	}
	raw, _ := mem.Get(ctx, "run.csv")
	cipher, _ := io.ReadAll(raw)
	if bytes.Contains(cipher, []byte("SUCCESS")) {
		t.Fatalf("stored report is not encrypted")
	}
	rc, err := sink.(Getter).Get(ctx, "run.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	if string(got) != plain {
		t.Fatalf("decrypted report differs")
	}

	desc, _ := mem.Get(ctx, "run.csv"+DescriptorSuffix)
	descBytes, _ := io.ReadAll(desc)
	var out bytes.Buffer
	if err := enc.Decrypt("other.csv", descBytes, bytes.NewReader(cipher), &out); err == nil && out.String() == plain {
		t.Fatalf("report decrypted under the wrong name")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	status := func(code int) func(error) (int, bool) {
		return func(error) (int, bool) { return code, true }
	}
	tests := []struct {
		name   string
		err    error
		status func(error) (int, bool)
		want   bool
	}{
		{"deadline", context.DeadlineExceeded, nil, true},
		{"canceled", context.Canceled, nil, false},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, nil, true},
		{"conn reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, nil, true},
		{"server error", errors.New("boom"), status(502), true},
		{"throttled", errors.New("slow down"), status(429), true},
		{"forbidden", errors.New("denied"), status(403), false},
		{"plain", errors.New("plain"), nil, false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err, tt.status); got != tt.want {
			t.Fatalf("%s: isRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type putOnlySink struct{}

func (putOnlySink) Put(context.Context, string, io.Reader, int64) (string, error) {
	return "void://x", nil
}

func TestTracedSinkDelegates(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	sink := Traced(mem, nil, "mem")
	location, err := sink.Put(ctx, "t.csv", strings.NewReader("a\n"), 2)
	if err != nil || location != "mem://t.csv" {
		t.Fatalf("Put = %q, %v", location, err)
	}
	rc, err := sink.(Getter).Get(ctx, "t.csv")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "a\n" {
		t.Fatalf("Get returned %q", data)
	}
	if _, err := sink.(Getter).Get(ctx, "missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := Traced(putOnlySink{}, nil, "void").(Getter).Get(ctx, "x"); err == nil {
		t.Fatalf("expected error from sink without Get")
	}
}

func TestEnsureRootKeyConcurrentCallersAgree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report-key.pem")
	const callers = 8
	keys := make(chan keymgmt.RootKey, callers)
	errs := make(chan error, callers)
	for range callers {
		go func() {
			root, err := EnsureRootKey(path)
			if err != nil {
				errs <- err
				return
			}
			keys <- root
		}()
	}
	var first keymgmt.RootKey
	for i := range callers {
		select {
		case err := <-errs:
			t.Fatalf("EnsureRootKey: %v", err)
		case root := <-keys:
			if i == 0 {
				first = root
			} else if root != first {
				t.Fatalf("callers generated different root keys")
			}
		}
	}
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}
}
