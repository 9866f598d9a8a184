package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/health-records/constants"
	"github.com/joseph-ayodele/health-records/internal/common"
	"github.com/joseph-ayodele/health-records/internal/extract"
	"github.com/joseph-ayodele/health-records/internal/ingest"
	"github.com/joseph-ayodele/health-records/internal/pipeline"
	"github.com/joseph-ayodele/health-records/internal/testutil"
)

func testConfig(t *testing.T) *common.Config {
	dir := t.TempDir()
	return &common.Config{
		Database: common.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "records.db"), AutoMigrate: true},
		Storage:  common.StorageConfig{Type: "local", BasePath: filepath.Join(dir, "blobs")},
		Queue: common.QueueConfig{
			Dispatcher:            "local",
			Workers:               1,
			QueueSize:             8,
			ProcessTimeout:        5 * time.Second,
			DefaultMaxAttempts:    3,
			HighPriorityThreshold: 5,
			SweepInterval:         50 * time.Millisecond,
		},
		Server: common.ServerConfig{ShutdownTimeout: 2 * time.Second},
		Auth:   common.AuthConfig{JWTSecret: "secret", TokenTTL: time.Hour},
	}
}

type readFileStage struct{}

func (readFileStage) Name() constants.Stage { return constants.StageOCR }
func (readFileStage) Probe(context.Context) error { return nil }
func (readFileStage) Invoke(_ context.Context, in *pipeline.Intermediate) error {
	b, err := os.ReadFile(in.Path)
	if err != nil {
		return err
	}
	in.Text = extract.TextResult{Text: string(b), Method: "plain-text", SourceType: "TXT", Pages: 1}
	return nil
}

type titleStage struct{}

func (titleStage) Name() constants.Stage { return constants.StageEnhancement }
func (titleStage) Probe(context.Context) error { return nil }
func (titleStage) Invoke(_ context.Context, in *pipeline.Intermediate) error {
	in.Enhancement = &extract.Enhancement{
		DocumentType: "prescription",
		Title:        strings.SplitN(in.Text.Text, "\n", 2)[0],
		Summary:      in.Text.Text,
	}
	return nil
}

func TestApp_LocalWorkersProcessUploads(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), testutil.Logger())
	require.NoError(t, err)
	defer a.Close()

	proc, err := a.NewProcessor(readFileStage{}, titleStage{}, pipeline.MergeStage{})
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	stop := a.StartLocalWorkers(runCtx, proc)
	defer func() {
		cancel()
		stop(context.Background())
	}()

	ownerCtx, _ := testutil.OwnerContext()
	res, err := a.Ingest.Ingest(ownerCtx, ingest.Upload{
		Filename: "rx.txt",
		Body:     strings.NewReader("Amoxicillin 500 mg\ntwice daily for 7 days"),
	})
	require.NoError(t, err)

	done, err := pipeline.NewPoller(a.Queue, pipeline.WithPollInterval(20*time.Millisecond), pipeline.WithMaxPolls(200)).
		Wait(ownerCtx, res.EntryID, nil)
	require.NoError(t, err)
	assert.Equal(t, constants.QueueStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, false, done.Metadata["degraded"])

	doc, err := a.Docs.GetByID(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Contains(t, string(doc.Result), `"title":"Amoxicillin 500 mg"`)
}

func TestApp_ProvidersWithoutNLP(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, testutil.Logger())
	require.NoError(t, err)
	defer a.Close()

	pr, err := a.Providers()
	require.NoError(t, err)
	require.NotNil(t, pr.Entities)
	prober, ok := pr.Entities.(extract.Prober)
	require.True(t, ok)
	assert.ErrorIs(t, prober.Probe(context.Background()), common.ErrProviderUnavailable)
}

func TestNew_BadStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Type = "ftp"
	_, err := New(context.Background(), cfg, testutil.Logger())
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
