// Command sams-receiver is a minimal HTTP ingest endpoint for collectors
// configured to report over HTTP: it accepts a PUT/POST of a per-job
// record file and writes it into the aggregator's loader in_path,
// grounded on original_source/sams-post-receiver.py's Flask-based
// Receiver view.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hpc2n/softwareaccounting/pkg/acct"
	"github.com/hpc2n/softwareaccounting/pkg/config"
	"github.com/hpc2n/softwareaccounting/pkg/log"
)

var (
	configPath string
	logLevel   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sams-receiver",
	Short: "Accept per-job accounting records uploaded over HTTP",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "/etc/sams/sams-post-receiver.yaml", "configuration file path")
	rootCmd.Flags().StringVar(&logLevel, "loglevel", "", "override core.loglevel from the config file")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := logLevel
	if level == "" {
		level = cfg.GetString("core.loglevel", "info")
	}
	log.Init(log.Config{Level: log.Level(level), JSONOutput: cfg.GetBool("core.log_json", false)})
	logger := log.WithComponent("receiver")

	recv := &receiver{
		basePath: cfg.GetString("core.base_path", "/tmp"),
		hashSize: int64(cfg.GetInt("core.jobid_hash_size", 0)),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", recv.handle)

	bind := cfg.GetString("core.bind", "127.0.0.1")
	port := cfg.GetInt("core.port", 8080)
	addr := fmt.Sprintf("%s:%d", bind, port)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("receiver listening")
	err = server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// receiver implements the original's `/<jobid>/<filename>` POST route:
// write the request body to a temp file, then atomically rename it into
// place under the job's hash partition directory.
type receiver struct {
	basePath string
	hashSize int64
}

func (r *receiver) handle(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost && req.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	jobID, filename, ok := parsePath(req.URL.Path)
	if !ok {
		http.Error(w, "expected /<jobid>/<filename>", http.StatusBadRequest)
		return
	}

	dir := r.basePath
	if r.hashSize > 0 {
		dir = filepath.Join(dir, strconv.FormatInt(acct.Partition(jobID, r.hashSize), 10))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		http.Error(w, "failed to create directory", http.StatusInternalServerError)
		return
	}

	finalPath := filepath.Join(dir, filename)
	tmpPath := filepath.Join(dir, "."+filename+"."+uuid.NewString())

	f, err := os.Create(tmpPath)
	if err != nil {
		http.Error(w, "failed to write file", http.StatusInternalServerError)
		return
	}
	if _, err := f.ReadFrom(req.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		http.Error(w, "failed to write file", http.StatusInternalServerError)
		return
	}
	f.Close()

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		http.Error(w, "failed to finalize file", http.StatusInternalServerError)
		return
	}

	w.Write([]byte("OK"))
}

func parsePath(path string) (jobID int64, filename string, ok bool) {
	segments := splitTwo(path)
	if segments == nil {
		return 0, "", false
	}

	jobID, err := strconv.ParseInt(segments[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return jobID, segments[1], true
}

func splitTwo(path string) []string {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			first := trimmed[:i]
			rest := trimmed[i+1:]
			if first == "" || rest == "" {
				return nil
			}
			return []string{first, rest}
		}
	}
	return nil
}
