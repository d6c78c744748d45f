package logsink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

type fakeCloudWatch struct {
	groups     []string
	retention  map[string]int32
	streams    []string
	puts       [][]types.InputLogEvent
	existsOnce bool
	// failPut fails the PutLogEvents call with this 1-based index.
	failPut int
	calls   int
}

func (f *fakeCloudWatch) CreateLogGroup(_ context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.groups = append(f.groups, aws.ToString(in.LogGroupName))
	if f.existsOnce {
		return nil, &types.ResourceAlreadyExistsException{Message: aws.String("exists")}
	}
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeCloudWatch) PutRetentionPolicy(_ context.Context, in *cloudwatchlogs.PutRetentionPolicyInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	if f.retention == nil {
		f.retention = map[string]int32{}
	}
	f.retention[aws.ToString(in.LogGroupName)] = aws.ToInt32(in.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}

func (f *fakeCloudWatch) CreateLogStream(_ context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streams = append(f.streams, aws.ToString(in.LogStreamName))
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeCloudWatch) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.calls++
	if f.failPut == f.calls {
		return nil, errors.New("throttled")
	}
	f.puts = append(f.puts, in.LogEvents)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func TestScanLines(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lines, err := ScanLines(strings.NewReader("loading model\r\n\nprediction: healthy\n"), func() time.Time { return at })
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	if len(lines) != 2 || lines[0].Message != "loading model" || !lines[1].At.Equal(at) {
		t.Fatalf("lines=%+v", lines)
	}
}

func TestCloudWatchEnsureGroupSetsRetention(t *testing.T) {
	fake := &fakeCloudWatch{existsOnce: true}
	sink := NewCloudWatch(fake)
	group := GroupName("bhattis-coughsense")
	if err := sink.EnsureGroup(context.Background(), group, DefaultRetentionDays); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if err := sink.EnsureGroup(context.Background(), group, DefaultRetentionDays); err != nil {
		t.Fatalf("EnsureGroup again: %v", err)
	}
	if len(fake.groups) != 1 {
		t.Fatalf("group created %d times", len(fake.groups))
	}
	if fake.retention["/coughsense/bhattis-coughsense"] != 30 {
		t.Fatalf("retention=%v", fake.retention)
	}
}

func TestCloudWatchAppendKeepsOrderAndBatches(t *testing.T) {
	fake := &fakeCloudWatch{}
	sink := NewCloudWatch(fake)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	lines := []Line{
		{At: base.Add(2 * time.Second), Message: "loading model"},
		{At: base, Message: "prediction: healthy"},
	}
	n, err := sink.Append(context.Background(), "/coughsense/d", "task-1", lines)
	if err != nil || n != 2 {
		t.Fatalf("Append n=%d err=%v", n, err)
	}
	if len(fake.streams) != 1 || fake.streams[0] != "task-1" {
		t.Fatalf("streams=%v", fake.streams)
	}
	if len(fake.puts) != 1 || aws.ToString(fake.puts[0][0].Message) != "loading model" {
		t.Fatalf("puts=%v", fake.puts)
	}
	if aws.ToInt64(fake.puts[0][1].Timestamp) != aws.ToInt64(fake.puts[0][0].Timestamp) {
		t.Fatalf("earlier timestamp not raised: %d < %d", aws.ToInt64(fake.puts[0][1].Timestamp), aws.ToInt64(fake.puts[0][0].Timestamp))
	}

	big := make([]Line, 0, 12000)
	for i := 0; i < 12000; i++ {
		big = append(big, Line{At: base, Message: "x"})
	}
	if n, err := sink.Append(context.Background(), "/coughsense/d", "task-1", big); err != nil || n != len(big) {
		t.Fatalf("Append big n=%d err=%v", n, err)
	}
	if len(fake.puts) != 3 || len(fake.puts[1]) != maxBatchEvents {
		t.Fatalf("batches=%d", len(fake.puts))
	}
	if len(fake.streams) != 1 {
		t.Fatalf("stream recreated")
	}
}

func TestCloudWatchAppendReportsPartialProgress(t *testing.T) {
	fake := &fakeCloudWatch{failPut: 2}
	sink := NewCloudWatch(fake)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	big := make([]Line, 0, 12000)
	for i := 0; i < 12000; i++ {
		big = append(big, Line{At: base, Message: "x"})
	}
	n, err := sink.Append(context.Background(), "/coughsense/d", "task-1", big)
	if err == nil {
		t.Fatalf("expected error from failed batch")
	}
	if n != maxBatchEvents {
		t.Fatalf("stored=%d want %d", n, maxBatchEvents)
	}
}

func TestScanLinesClampsOnRuneBoundary(t *testing.T) {
	// 'é' is two bytes; an odd prefix puts one straddling the limit.
	text := "a" + strings.Repeat("é", MaxLineBytes/2)
	lines, err := ScanLines(strings.NewReader(text+"\n"), nil)
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	msg := lines[0].Message
	if len(msg) > MaxLineBytes {
		t.Fatalf("len=%d", len(msg))
	}
	if !utf8.ValidString(msg) {
		t.Fatalf("line cut inside a rune")
	}
	if len(msg) != MaxLineBytes-1 {
		t.Fatalf("len=%d want %d", len(msg), MaxLineBytes-1)
	}

	bad, err := ScanLines(strings.NewReader("ok \xff\xfe done\n"), nil)
	if err != nil {
		t.Fatalf("ScanLines: %v", err)
	}
	if !utf8.ValidString(bad[0].Message) {
		t.Fatalf("invalid bytes passed through: %q", bad[0].Message)
	}
}

func TestCloudWatchPropagatesErrors(t *testing.T) {
	if alreadyExists(errors.New("boom")) {
		t.Fatalf("plain error is not already-exists")
	}
}

func TestSlogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := SlogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}
	if n, err := sink.Append(context.Background(), "/coughsense/d", "task-1", []Line{{At: time.Now(), Message: "hello"}}); err != nil || n != 1 {
		t.Fatalf("Append n=%d err=%v", n, err)
	}
	if !strings.Contains(buf.String(), `"log_stream":"task-1"`) {
		t.Fatalf("log=%s", buf.String())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{Kind: "kafka", RetentionDays: 30}).Validate(); err == nil {
		t.Fatalf("expected error for unknown sink")
	}
	if err := (Config{Kind: KindCloudWatch, RetentionDays: 30}).Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfigRetentionFollowsDeployment(t *testing.T) {
	for _, key := range []string{"COUGHSENSE_LOG_SINK", "COUGHSENSE_LOG_RETENTION_DAYS"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if got := cfg.Retention(90); got != 90 {
		t.Fatalf("retention=%d, want the deployment's 90", got)
	}
	if got := cfg.Retention(0); got != DefaultRetentionDays {
		t.Fatalf("retention=%d", got)
	}

	t.Setenv("COUGHSENSE_LOG_RETENTION_DAYS", "7")
	cfg, err = ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv: %v", err)
	}
	if got := cfg.Retention(90); got != 7 {
		t.Fatalf("retention=%d, want the override 7", got)
	}
	if err := (Config{Kind: KindSlog, RetentionDays: -1}).Validate(); err == nil {
		t.Fatal("accepted negative retention")
	}
}
