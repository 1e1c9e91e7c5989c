package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"

	"courier/internal/courier/core/batch"
	"courier/internal/courier/core/delegate"
	"courier/internal/courier/core/job"
	"courier/internal/courier/core/transfer"
	"courier/internal/courier/domain"
	"courier/internal/courier/notify"
	"courier/internal/courier/source"
	"courier/internal/courier/state"
	"courier/pkg/client"
	"courier/pkg/config"
	"courier/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	uploadEndpoint       string
	uploadMethod         string
	uploadFieldName      string
	uploadBare           bool
	uploadHeaders        []string
	uploadMeta           []string
	uploadMetaFields     []string
	uploadMaxConcurrency int
	uploadRetries        int
	uploadWorkerURL      string
	uploadSocketHost     string
	uploadBucket         string
	uploadJob            bool
	uploadJobTemplate    string
	uploadJobWait        string
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file> [file...]",
		Short: "Upload files",
		Long: `Upload one or more files and report the outcome of each.

Examples:
  courier upload --endpoint https://uploads.example.com/files photo.jpg notes.txt
  courier upload --endpoint https://uploads.example.com/raw --bare --method PUT disk.img
  courier upload --bucket media --endpoint https://uploads.example.com/files 2024/a.png
  courier upload --worker-url https://worker.example.com/url/get https://example.com/video.mp4
  courier upload --job --job-template tpl-123 --job-wait processing-finished photo.jpg

Files are uploaded concurrently; failed files are retried as a new batch
when --retries is set. The command exits non-zero if any file failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runUpload,
	}

	cmd.Flags().StringVarP(&uploadEndpoint, "endpoint", "e", "", "Upload endpoint")
	cmd.Flags().StringVarP(&uploadMethod, "method", "X", "", "HTTP method (POST, PUT, PATCH)")
	cmd.Flags().StringVar(&uploadFieldName, "field-name", "", "Multipart field name for the file part")
	cmd.Flags().BoolVar(&uploadBare, "bare", false, "Send the raw file as the request body")
	cmd.Flags().StringArrayVarP(&uploadHeaders, "header", "H", nil, "Request header as key=value (repeatable)")
	cmd.Flags().StringArrayVarP(&uploadMeta, "meta", "m", nil, "File metadata as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&uploadMetaFields, "meta-fields", nil, "Metadata fields to send (default: all)")
	cmd.Flags().IntVar(&uploadMaxConcurrency, "max-concurrency", 0, "Maximum simultaneous uploads (0 = unbounded)")
	cmd.Flags().IntVar(&uploadRetries, "retries", 0, "Retry failed files this many times")
	cmd.Flags().StringVar(&uploadWorkerURL, "worker-url", "", "Delegate uploads to the remote worker at this URL")
	cmd.Flags().StringVar(&uploadSocketHost, "socket-host", "", "Event channel host of the remote worker")
	cmd.Flags().StringVar(&uploadBucket, "bucket", "", "Read files as object keys from this bucket")
	cmd.Flags().BoolVar(&uploadJob, "job", false, "Create a processing job for the batch")
	cmd.Flags().StringVar(&uploadJobTemplate, "job-template", "", "Template id of the processing job")
	cmd.Flags().StringVar(&uploadJobWait, "job-wait", "", "Wait for the job: processing-finished or metadata-ready")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	if err := applyUploadFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Global()

	httpClient, err := client.New(client.Config{
		Timeout:   cfg.Client.Timeout,
		RateLimit: cfg.Client.RateLimit,
		RateBurst: cfg.Client.RateBurst,
		UserAgent: cfg.Client.UserAgent,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	hub := notify.NewHub(log)
	defer hub.Shutdown()
	events, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	registry := state.New(log)
	names, err := registerFiles(ctx, registry, args, log)
	if err != nil {
		return err
	}

	orch := batch.New(registry,
		transfer.NewExecutor(httpClient, hub, log),
		delegate.NewCoordinator(httpClient, hub, delegate.Config{
			SocketHost:       cfg.Delegate.SocketHost,
			HandshakeTimeout: cfg.Delegate.HandshakeTimeout,
		}, log),
		hub,
		batch.Config{Defaults: defaultOptions(cfg.Upload), MaxConcurrency: cfg.Upload.MaxConcurrency},
		log)

	if cfg.Job.Enabled {
		coord, err := job.NewCoordinator(httpClient, registry, hub, jobConfig(cfg), log)
		if err != nil {
			return err
		}
		defer coord.Close()
		orch.AddPreProcessor(coord.Prepare)
		orch.AddPostProcessor(coord.AfterUpload)
	}

	var printed sync.WaitGroup
	printed.Add(1)
	go func() {
		defer printed.Done()
		printEvents(cmd.OutOrStdout(), events, names)
	}()

	ids := registry.IDs()
	result, runErr := orch.Run(ctx, ids)
	if result != nil {
		for attempt := 1; attempt <= uploadRetries && len(result.FailedIDs()) > 0 && ctx.Err() == nil; attempt++ {
			failed := result.FailedIDs()
			log.Info("retrying failed uploads", "attempt", attempt, "count", len(failed))
			result = merge(result, orch.RetryAll(ctx, failed))
		}
	}

	hub.Shutdown()
	printed.Wait()

	if runErr != nil && result == nil {
		return runErr
	}
	printSummary(cmd.OutOrStdout(), result, names)
	if runErr != nil {
		return runErr
	}
	if failed := len(result.Failed()); failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, result.Len())
	}
	return nil
}

// applyUploadFlags layers explicitly set flags over the loaded configuration.
func applyUploadFlags(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		c.Upload.Endpoint = uploadEndpoint
	}
	if flags.Changed("method") {
		c.Upload.Method = strings.ToUpper(uploadMethod)
	}
	if flags.Changed("field-name") {
		c.Upload.FieldName = uploadFieldName
	}
	if flags.Changed("bare") {
		c.Upload.FormData = !uploadBare
	}
	if flags.Changed("meta-fields") {
		c.Upload.MetaFields = uploadMetaFields
	}
	if flags.Changed("header") {
		headers, err := parsePairs(uploadHeaders)
		if err != nil {
			return fmt.Errorf("invalid --header: %w", err)
		}
		if c.Upload.Headers == nil {
			c.Upload.Headers = map[string]string{}
		}
		for k, v := range headers {
			c.Upload.Headers[k] = v
		}
	}
	if flags.Changed("max-concurrency") {
		c.Upload.MaxConcurrency = uploadMaxConcurrency
	}
	if flags.Changed("socket-host") {
		c.Delegate.SocketHost = uploadSocketHost
	}
	if flags.Changed("bucket") {
		c.Storage.Bucket = uploadBucket
	}
	if flags.Changed("job") {
		c.Job.Enabled = uploadJob
	}
	if flags.Changed("job-template") {
		c.Job.TemplateID = uploadJobTemplate
	}
	if flags.Changed("job-wait") {
		c.Job.WaitMode = uploadJobWait
	}
	return nil
}

// registerFiles adds one record per argument and returns display names by
// file id.
func registerFiles(ctx context.Context, registry state.Registry, args []string, log *logger.Logger) (map[string]string, error) {
	meta, err := parsePairs(uploadMeta)
	if err != nil {
		return nil, fmt.Errorf("invalid --meta: %w", err)
	}

	var store *source.ObjectStore
	if cfg.Storage.Bucket != "" && uploadWorkerURL == "" {
		store, err = source.NewObjectStore(source.ObjectStoreConfig{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Region:          cfg.Storage.Region,
			UseSSL:          cfg.Storage.UseSSL,
			Bucket:          cfg.Storage.Bucket,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	names := make(map[string]string, len(args))
	for _, arg := range args {
		record := domain.FileRecord{Meta: copyPairs(meta)}

		switch {
		case uploadWorkerURL != "":
			record.Name = path.Base(arg)
			record.Payload = source.Remote(arg)
			record.Mode = domain.ModeDelegated
			record.Remote = &domain.RemoteTarget{
				URL:  uploadWorkerURL,
				Host: cfg.Delegate.SocketHost,
				Body: map[string]any{"fileId": arg},
			}
		case store != nil:
			p, err := store.Payload(ctx, arg)
			if err != nil {
				return nil, err
			}
			record.Name = p.Name()
			record.Type = p.ContentType()
			record.Payload = p
		default:
			p, err := source.File(arg)
			if err != nil {
				return nil, err
			}
			record.Name = p.Name()
			record.Payload = p
		}

		id, err := registry.Add(record)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", arg, err)
		}
		names[id] = arg
	}
	return names, nil
}

func defaultOptions(u config.UploadConfig) domain.Options {
	return domain.Resolve(domain.DefaultOptions(), domain.Overrides{
		Endpoint:         u.Endpoint,
		Method:           u.Method,
		FieldName:        u.FieldName,
		FormData:         domain.Bool(u.FormData),
		MetaFields:       u.MetaFields,
		Headers:          u.Headers,
		ResponseURLField: u.ResponseURLField,
		Timeout:          u.Timeout,
	})
}

func jobConfig(c *config.Config) job.Config {
	return job.Config{
		Endpoint: c.Job.Endpoint,
		Spec: job.Spec{
			AuthKey:    c.Job.AuthKey,
			TemplateID: c.Job.TemplateID,
			Params:     c.Job.Params,
			Signature:  c.Job.Signature,
		},
		WaitMode:         domain.WaitMode(c.Job.WaitMode),
		FinishedEvent:    c.Job.FinishedEvent,
		MetadataEvent:    c.Job.MetadataEvent,
		ErrorEvent:       c.Job.ErrorEvent,
		HandshakeTimeout: c.Delegate.HandshakeTimeout,
	}
}

// merge replaces the outcomes of retried files in prev.
func merge(prev, retried *domain.BatchResult) *domain.BatchResult {
	outcomes := prev.Outcomes()
	for i, o := range outcomes {
		if r, ok := retried.Get(o.FileID); ok {
			outcomes[i] = r
		}
	}
	return domain.NewBatchResult(outcomes)
}

func parsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

func copyPairs(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func printEvents(w io.Writer, events <-chan notify.Event, names map[string]string) {
	for ev := range events {
		name := names[ev.FileID]
		switch ev.Kind {
		case notify.KindStarted:
			fmt.Fprintf(w, "→ %s: started\n", name)
		case notify.KindProgress:
			if ev.Progress.BytesTotal > 0 {
				fmt.Fprintf(w, "  %s: %d/%d bytes (%d%%)\n", name,
					ev.Progress.BytesUploaded, ev.Progress.BytesTotal,
					ev.Progress.BytesUploaded*100/ev.Progress.BytesTotal)
			}
		case notify.KindSuccess:
			fmt.Fprintf(w, "✓ %s: uploaded %s\n", name, ev.URL)
		case notify.KindError:
			fmt.Fprintf(w, "✗ %s: %v\n", name, ev.Err)
		case notify.KindNotice:
			fmt.Fprintf(w, "[%s] %s\n", ev.Notice.Level, ev.Notice.Message)
		}
	}
}

func printSummary(w io.Writer, result *domain.BatchResult, names map[string]string) {
	fmt.Fprintf(w, "\nUploaded: %d  Failed: %d\n", len(result.Successful()), len(result.Failed()))
	for _, o := range result.Successful() {
		fmt.Fprintf(w, "  %s -> %s\n", names[o.FileID], o.URL)
	}
	for _, o := range result.Failed() {
		fmt.Fprintf(w, "  %s: %v\n", names[o.FileID], o.Err)
	}
}
