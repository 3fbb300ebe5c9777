package llm

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/repairer5812/ai-email-summarizer/internal/models"
)

// LocalModel describes one supported GGUF model.
type LocalModel struct {
	ID       string
	Label    string
	Tier     models.SummaryTier
	HFRepoID string
	HFFile   string
}

// LocalModels is the supported catalog, cheapest first.
var LocalModels = []LocalModel{
	{
		ID:       "fast",
		Label:    "Fast - Gemma 2 2B (Q4_K_M)",
		Tier:     models.TierFast,
		HFRepoID: "bartowski/gemma-2-2b-it-GGUF",
		HFFile:   "gemma-2-2b-it-Q4_K_M.gguf",
	},
	{
		ID:       "standard",
		Label:    "Standard - EXAONE 3.5 2.4B (Q4_K_M)",
		Tier:     models.TierStandard,
		HFRepoID: "LGAI-EXAONE/EXAONE-3.5-2.4B-Instruct-GGUF",
		HFFile:   "EXAONE-3.5-2.4B-Instruct-Q4_K_M.gguf",
	},
	{
		ID:       "performance",
		Label:    "Performance - Qwen2.5 3B (Q4_K_M)",
		Tier:     models.TierStandard,
		HFRepoID: "bartowski/Qwen2.5-3B-Instruct-GGUF",
		HFFile:   "Qwen2.5-3B-Instruct-Q4_K_M.gguf",
	},
}

// GetLocalModel resolves a model ID, mapping legacy aliases and falling back
// to the standard model for unknown IDs.
func GetLocalModel(id string) LocalModel {
	norm := strings.ToLower(strings.TrimSpace(id))
	switch norm {
	case "low":
		norm = "performance"
	case "ultra":
		norm = "standard"
	}
	for _, m := range LocalModels {
		if m.ID == norm {
			return m
		}
	}
	for _, m := range LocalModels {
		if m.ID == "standard" {
			return m
		}
	}
	return LocalModels[0]
}

// LocalModelTier returns the tier of a local model ID.
func LocalModelTier(id string) models.SummaryTier {
	return GetLocalModel(id).Tier
}

// ModelPath is where the GGUF for a model ID lives under dataRoot.
func ModelPath(dataRoot, id string) string {
	m := GetLocalModel(id)
	return filepath.Join(dataRoot, "models", "gguf", m.ID, m.HFFile)
}

// completeMarker exists only after a fully verified download; a partial
// file without the marker is resumed, never trusted.
func completeMarker(dataRoot, id string) string {
	return ModelPath(dataRoot, id) + ".complete"
}

// ModelInstalled reports whether the model file is fully downloaded.
func ModelInstalled(dataRoot, id string) bool {
	if _, err := os.Stat(ModelPath(dataRoot, id)); err != nil {
		return false
	}
	_, err := os.Stat(completeMarker(dataRoot, id))
	return err == nil
}

// llamaReleaseTag pins the llama.cpp build. The binary directory is keyed
// by the tag, so bumping it installs fresh instead of mixing builds.
const llamaReleaseTag = "b4689"

var llamaReleaseBase = "https://github.com/ggml-org/llama.cpp/releases/download"

// ServerBinaryPath is where the llama-server binary of the pinned release
// lives under dataRoot.
func ServerBinaryPath(dataRoot string) string {
	name := "llama-server"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(dataRoot, "llama.cpp", llamaReleaseTag, name)
}

// ServerInstalled reports whether the pinned llama-server build is present.
func ServerInstalled(dataRoot string) bool {
	_, err := os.Stat(ServerBinaryPath(dataRoot))
	return err == nil
}

func serverAssetName() (string, error) {
	switch runtime.GOOS + "/" + runtime.GOARCH {
	case "linux/amd64":
		return fmt.Sprintf("llama-%s-bin-ubuntu-x64.zip", llamaReleaseTag), nil
	case "darwin/arm64":
		return fmt.Sprintf("llama-%s-bin-macos-arm64.zip", llamaReleaseTag), nil
	case "darwin/amd64":
		return fmt.Sprintf("llama-%s-bin-macos-x64.zip", llamaReleaseTag), nil
	case "windows/amd64":
		return fmt.Sprintf("llama-%s-bin-win-avx2-x64.zip", llamaReleaseTag), nil
	default:
		return "", fmt.Errorf("no llama.cpp build for %s/%s", runtime.GOOS, runtime.GOARCH)
	}
}

// InstallServer downloads the pinned llama.cpp release archive and unpacks
// it next to ServerBinaryPath. The download resumes like a model download;
// the archive is deleted once unpacked.
func InstallServer(ctx context.Context, client *resty.Client, dataRoot string, onProgress func(DownloadProgress)) error {
	if ServerInstalled(dataRoot) {
		return nil
	}

	asset, err := serverAssetName()
	if err != nil {
		return err
	}
	destDir := filepath.Dir(ServerBinaryPath(dataRoot))
	zipPath := filepath.Join(destDir, asset)
	url := fmt.Sprintf("%s/%s/%s", llamaReleaseBase, llamaReleaseTag, asset)

	if err := downloadWithResume(ctx, client, url, zipPath, onProgress); err != nil {
		return fmt.Errorf("download llama.cpp %s: %w", llamaReleaseTag, err)
	}
	if err := extractServerArchive(zipPath, destDir); err != nil {
		return fmt.Errorf("unpack llama.cpp %s: %w", llamaReleaseTag, err)
	}
	if !ServerInstalled(dataRoot) {
		return fmt.Errorf("llama.cpp archive %s did not contain llama-server", asset)
	}
	if err := os.Chmod(ServerBinaryPath(dataRoot), 0o755); err != nil {
		return fmt.Errorf("mark llama-server executable: %w", err)
	}
	return os.Remove(zipPath)
}

// extractServerArchive flattens the zip into destDir. Release archives nest
// the binaries under build/bin/, and llama-server needs its bundled shared
// libraries alongside it.
func extractServerArchive(zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(f.Name)
		if name == "" || name == "." || name == filepath.Base(zipPath) {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		dst, err := os.OpenFile(filepath.Join(destDir, name),
			os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
		if err != nil {
			src.Close()
			return err
		}
		_, cerr := io.Copy(dst, src)
		src.Close()
		if err := dst.Close(); err != nil {
			return err
		}
		if cerr != nil {
			return cerr
		}
	}
	return nil
}

// DownloadProgress reports resumable download state. Total is 0 when the
// server did not reveal a length.
type DownloadProgress struct {
	Downloaded int64
	Total      int64
}

// hfResolveURL builds the public download URL for a file in a HF repo.
func hfResolveURL(repoID, filename string) string {
	return fmt.Sprintf("https://huggingface.co/%s/resolve/main/%s", repoID, filename)
}

// InstallModel downloads the GGUF for the model ID with resume support and
// writes the completion marker afterwards. Progress callbacks fire roughly
// once per megabyte.
func InstallModel(ctx context.Context, client *resty.Client, dataRoot, id string, onProgress func(DownloadProgress)) error {
	m := GetLocalModel(id)
	out := ModelPath(dataRoot, m.ID)
	if err := downloadWithResume(ctx, client, hfResolveURL(m.HFRepoID, m.HFFile), out, onProgress); err != nil {
		return fmt.Errorf("download model %s: %w", m.ID, err)
	}
	if err := os.WriteFile(completeMarker(dataRoot, m.ID), []byte("ok\n"), 0o644); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}

	// Drop GGUFs for models no longer in the catalog.
	cleanupStaleModels(dataRoot)
	return nil
}

func cleanupStaleModels(dataRoot string) {
	keep := map[string]bool{}
	for _, m := range LocalModels {
		keep[ModelPath(dataRoot, m.ID)] = true
		keep[completeMarker(dataRoot, m.ID)] = true
	}
	root := filepath.Join(dataRoot, "models", "gguf")
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".gguf") || strings.HasSuffix(path, ".complete") {
			if !keep[path] {
				os.Remove(path)
			}
		}
		return nil
	})
}

// downloadWithResume streams url into outPath, resuming a partial file via
// a Range request. A server that ignores Range causes a clean restart.
func downloadWithResume(ctx context.Context, client *resty.Client, url, outPath string, onProgress func(DownloadProgress)) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	var existing int64
	if info, err := os.Stat(outPath); err == nil {
		existing = info.Size()
	}

	req := client.R().SetContext(ctx).SetDoNotParseResponse(true)
	if existing > 0 {
		req.SetHeader("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := req.Get(url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	body := resp.RawBody()
	defer body.Close()

	switch resp.StatusCode() {
	case http.StatusRequestedRangeNotSatisfiable:
		// Range starts past the end: the file is already complete.
		if onProgress != nil {
			onProgress(DownloadProgress{Downloaded: existing, Total: existing})
		}
		return nil
	case http.StatusOK:
		// Server ignored the Range header; start over.
		existing = 0
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode())
	}

	total := contentTotal(resp, existing)

	flags := os.O_WRONLY | os.O_CREATE
	if existing > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(outPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", outPath, err)
	}
	defer f.Close()

	downloaded := existing
	buf := make([]byte, 1<<20)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", outPath, werr)
			}
			downloaded += int64(n)
			if onProgress != nil {
				onProgress(DownloadProgress{Downloaded: downloaded, Total: total})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", url, rerr)
		}
	}

	return f.Sync()
}

func contentTotal(resp *resty.Response, existing int64) int64 {
	// Content-Range carries the authoritative full size: bytes 10-99/100.
	if cr := resp.Header().Get("Content-Range"); cr != "" {
		if idx := strings.LastIndex(cr, "/"); idx >= 0 {
			if v, err := strconv.ParseInt(strings.TrimSpace(cr[idx+1:]), 10, 64); err == nil {
				return v
			}
		}
	}
	if cl := resp.Header().Get("Content-Length"); cl != "" {
		if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return v + existing
		}
	}
	return 0
}

// LocalServer manages one llama-server child process. The server is kept
// alive across messages so the model loads once per job, not once per mail.
type LocalServer struct {
	binary    string
	modelPath string
	port      int
	http      *resty.Client

	cmd *exec.Cmd
}

// NewLocalServer prepares (but does not start) a server for the model.
func NewLocalServer(dataRoot, modelID string) *LocalServer {
	return &LocalServer{
		binary:    ServerBinaryPath(dataRoot),
		modelPath: ModelPath(dataRoot, modelID),
		port:      4891,
		http:      resty.New().SetTimeout(2 * time.Second),
	}
}

// BaseURL returns the server's HTTP address.
func (s *LocalServer) BaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", s.port)
}

// Healthy probes the OpenAI-compatible models endpoint.
func (s *LocalServer) Healthy(ctx context.Context) bool {
	resp, err := s.http.R().SetContext(ctx).Get(s.BaseURL() + "/v1/models")
	return err == nil && resp.StatusCode() == http.StatusOK
}

// Start launches llama-server and waits until it answers health probes.
// Already-healthy servers (ours or a survivor from a previous run) are
// reused as-is.
func (s *LocalServer) Start(ctx context.Context) error {
	if s.Healthy(ctx) {
		return nil
	}

	if _, err := os.Stat(s.binary); err != nil {
		return fmt.Errorf("%w: llama-server binary missing at %s", ErrNotReady, s.binary)
	}
	if _, err := os.Stat(s.modelPath); err != nil {
		return fmt.Errorf("%w: model missing at %s", ErrNotReady, s.modelPath)
	}

	threads := runtime.NumCPU()
	if threads > 8 {
		threads = 8
	}
	cmd := exec.Command(s.binary,
		"--model", s.modelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(s.port),
		"--ctx-size", "4096",
		"-t", strconv.Itoa(threads),
		"--alias", "local",
		"--parallel", "1",
		"--cont-batching",
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llama-server: %w", err)
	}
	s.cmd = cmd

	// Model load can take a while on first start.
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			s.Stop()
			return err
		}
		if s.Healthy(ctx) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	s.Stop()
	return fmt.Errorf("%w: llama-server did not become healthy", ErrProviderUnavailable)
}

// Stop terminates the child server if this process started it.
func (s *LocalServer) Stop() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
		s.cmd = nil
	}
}
