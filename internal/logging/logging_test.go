package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_Levels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level   string
		format  string
		wantErr bool
	}{
		{level: "info", format: "json"},
		{level: "DEBUG", format: "console"},
		{level: "warn", format: ""},
		{level: "loud", format: "json", wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.level+"_"+tc.format, func(t *testing.T) {
			t.Parallel()
			l, _, err := New(tc.level, tc.format)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("New(%q) err=nil, want error", tc.level)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(%q) err=%v, want nil", tc.level, err)
			}
			_ = l.Sync()
		})
	}
}

func TestStdLog_WritesThroughZap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	std := StdLog(zap.New(core))
	std.Printf("stage=partition ok table=%s", "actor")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want 1", len(entries))
	}
	if entries[0].Message != "stage=partition ok table=actor" {
		t.Fatalf("message=%q", entries[0].Message)
	}
}

func TestOrDiscard(t *testing.T) {
	t.Parallel()
	OrDiscard(nil).Printf("dropped %d", 1)
}

func TestWith(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	l := With(StdLog(zap.New(core)), "run", "r-1%")
	l.Printf("stage=load rows=%d", 3)

	if got := logs.All()[0].Message; got != "run=r-1% stage=load rows=3" {
		t.Fatalf("message=%q", got)
	}
}
