package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"task-controller/internal/storage"
	"task-controller/internal/utils"
	"task-controller/pkg/models"

	"gopkg.in/yaml.v2"
)

const (
	ExportFormat      = "ark"
	TrainingOutput    = "models"
	MiningOutput      = "result.tsv"
	InferenceOutput   = "infer-result.json"
	LabelTaskFile     = "label-task.json"
	WorkerConfigFile  = "config.yaml"
	defaultRepoLocks  = 1024
	defaultShmSize    = "16g"
	revisionSeparator = ";"
)

type Deps struct {
	Runner       Runner
	Objects      storage.ObjectStore
	ModelsBucket string
	RepoTool     string
	DockerBin    string

	// Serializes repository tool calls per user/repo.
	RepoLocks *utils.MutexMap
}

type steps struct {
	Deps
}

func newSteps(deps Deps) *steps {
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	if deps.RepoTool == "" {
		deps.RepoTool = "mir"
	}
	if deps.DockerBin == "" {
		deps.DockerBin = "docker"
	}
	if deps.RepoLocks == nil {
		deps.RepoLocks = utils.NewMutexMap(defaultRepoLocks)
	}
	return &steps{Deps: deps}
}

// Revision names the repository state produced by a task.
func Revision(taskId string) string {
	return taskId + "@" + taskId
}

func repoPath(env StepEnv) string {
	return filepath.Join(env.RepoRoot, env.Request.UserId, env.Request.RepoId)
}

// sourceRevisions is the predecessor's output when there is one, otherwise
// the request's input datasets.
func sourceRevisions(env StepEnv) string {
	if env.PreviousTaskId != "" {
		return Revision(env.PreviousTaskId)
	}
	revs := make([]string, 0, len(env.Request.InDatasetIds))
	for _, id := range env.Request.InDatasetIds {
		revs = append(revs, Revision(id))
	}
	return strings.Join(revs, revisionSeparator)
}

func (s *steps) runRepoTool(ctx context.Context, env StepEnv, args ...string) error {
	key := env.Request.UserId + "/" + env.Request.RepoId
	return s.RepoLocks.With(key, func() error {
		return s.Runner.Run(ctx, Command{Name: s.RepoTool, Args: args, Dir: env.Subtask.WorkDir})
	})
}

func MergeArgs(env StepEnv) []string {
	req := env.Request
	strategy := req.MergeStrategy
	if strategy == "" {
		strategy = models.MergeStrategyStop
	}

	args := []string{
		"merge",
		"--root", repoPath(env),
		"--dst-rev", Revision(env.Subtask.Id),
		"--src-revs", sourceRevisions(env),
		"-s", strategy,
		"-w", env.Subtask.WorkDir,
	}
	if len(req.ExDatasetIds) > 0 {
		ex := make([]string, 0, len(req.ExDatasetIds))
		for _, id := range req.ExDatasetIds {
			ex = append(ex, Revision(id))
		}
		args = append(args, "--ex-src-revs", strings.Join(ex, revisionSeparator))
	}
	if len(req.InClassNames) > 0 {
		args = append(args, "--cis", strings.Join(req.InClassNames, revisionSeparator))
	}
	if len(req.ExClassNames) > 0 {
		args = append(args, "--ex-cis", strings.Join(req.ExClassNames, revisionSeparator))
	}
	return args
}

func (s *steps) merge(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	return nil, s.runRepoTool(ctx, env, MergeArgs(env)...)
}

func SampleArgs(env StepEnv) []string {
	args := []string{
		"sampling",
		"--root", repoPath(env),
		"--dst-rev", Revision(env.Subtask.Id),
		"--src-revs", sourceRevisions(env),
		"-w", env.Subtask.WorkDir,
	}
	if env.Request.SampleCount > 0 {
		args = append(args, "--count", strconv.Itoa(env.Request.SampleCount))
	} else {
		args = append(args, "--rate", strconv.FormatFloat(env.Request.SampleRate, 'f', -1, 64))
	}
	return args
}

func (s *steps) sample(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	return nil, s.runRepoTool(ctx, env, SampleArgs(env)...)
}

func ExportArgs(env StepEnv, assetDir, annotationDir, format string) []string {
	return []string{
		"export",
		"--root", repoPath(env),
		"--src-revs", sourceRevisions(env),
		"--media-location", env.AssetsDir,
		"--asset-dir", assetDir,
		"--annotation-dir", annotationDir,
		"--format", format,
		"-w", env.Subtask.WorkDir,
	}
}

func (s *steps) export(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	req := env.Request
	format := req.ExportFormat
	if format == "" {
		format = ExportFormat
	}

	assetDir := filepath.Join(req.ExportDir, "assets")
	annotationDir := filepath.Join(req.ExportDir, "annotations")
	if err := s.runRepoTool(ctx, env, ExportArgs(env, assetDir, annotationDir, format)...); err != nil {
		return nil, err
	}
	if err := requireOutput(assetDir); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"asset_dir": assetDir, "annotation_dir": annotationDir})
}

func ImportArgs(env StepEnv) []string {
	req := env.Request
	args := []string{
		"import",
		"--root", repoPath(env),
		"--dst-rev", Revision(env.Subtask.Id),
		"--media-location", env.AssetsDir,
		"--asset-dir", req.ImportAssetDir,
		"-w", env.Subtask.WorkDir,
	}
	if req.ImportAnnotationDir != "" {
		args = append(args, "--annotation-dir", req.ImportAnnotationDir)
	}
	return args
}

func (s *steps) importData(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	if info, err := os.Stat(env.Request.ImportAssetDir); err != nil || !info.IsDir() {
		return nil, Errorf(models.CodeInvalidArgument, "import asset dir %s is not a readable directory", env.Request.ImportAssetDir)
	}
	return nil, s.runRepoTool(ctx, env, ImportArgs(env)...)
}

// label exports the source dataset for an external labeling tool and returns
// where it was written.
func (s *steps) label(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	req := env.Request
	labelDir := filepath.Join(env.Subtask.WorkDir, "label")
	assetDir := filepath.Join(labelDir, "assets")
	annotationDir := filepath.Join(labelDir, "annotations")

	if err := s.runRepoTool(ctx, env, ExportArgs(env, assetDir, annotationDir, ExportFormat)...); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{
		"project":        req.LabelProject,
		"tool":           req.LabelTool,
		"asset_dir":      assetDir,
		"annotation_dir": annotationDir,
	})
	if err != nil {
		return nil, WrapError(models.CodeInternal, err, "failed to encode label task")
	}
	if err := os.MkdirAll(env.Subtask.OutDir(), os.ModePerm); err != nil {
		return nil, WrapError(models.CodeInternal, err, "failed to create out dir")
	}
	if err := os.WriteFile(filepath.Join(env.Subtask.OutDir(), LabelTaskFile), payload, 0644); err != nil {
		return nil, WrapError(models.CodeInternal, err, "failed to write label task")
	}
	return payload, nil
}

func DockerArgs(env StepEnv, image string) []string {
	args := []string{"run", "--rm", "--name", env.Subtask.Id}
	if len(env.GPUIds) > 0 {
		args = append(args, "--gpus", fmt.Sprintf(`"device=%s"`, strings.Join(env.GPUIds, ",")))
	}
	args = append(args,
		"--shm-size", defaultShmSize,
		"-v", env.Subtask.InDir()+":/in",
		"-v", env.Subtask.OutDir()+":/out",
		image,
	)
	return args
}

// WriteWorkerConfig merges the request's docker config blob with the runtime
// keys the worker needs and writes it to in/config.yaml.
func WriteWorkerConfig(env StepEnv, extra map[string]any) (string, error) {
	cfg := map[string]any{}
	if blob := strings.TrimSpace(env.Request.DockerConfig); blob != "" {
		if err := yaml.Unmarshal([]byte(blob), &cfg); err != nil {
			return "", WrapError(models.CodeInvalidArgument, err, "invalid docker config")
		}
	}

	cfg["task_id"] = env.Subtask.Id
	cfg["gpu_id"] = strings.Join(env.GPUIds, ",")
	cfg["gpu_count"] = len(env.GPUIds)
	if len(env.Request.InClassNames) > 0 {
		cfg["class_names"] = env.Request.InClassNames
	}
	for k, v := range extra {
		cfg[k] = v
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", WrapError(models.CodeInternal, err, "failed to encode worker config")
	}

	path := filepath.Join(env.Subtask.InDir(), WorkerConfigFile)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return "", WrapError(models.CodeInternal, err, "failed to create in dir")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", WrapError(models.CodeInternal, err, "failed to write worker config")
	}
	return path, nil
}

// prepareWorker exports the source dataset into in/ and writes the worker
// config.
func (s *steps) prepareWorker(ctx context.Context, env StepEnv, extra map[string]any) error {
	if err := os.MkdirAll(env.Subtask.OutDir(), os.ModePerm); err != nil {
		return WrapError(models.CodeInternal, err, "failed to create out dir")
	}

	in := env.Subtask.InDir()
	exportArgs := ExportArgs(env, filepath.Join(in, "assets"), filepath.Join(in, "annotations"), ExportFormat)
	if err := s.runRepoTool(ctx, env, exportArgs...); err != nil {
		return err
	}

	_, err := WriteWorkerConfig(env, extra)
	return err
}

func (s *steps) runWorker(ctx context.Context, env StepEnv) error {
	return s.Runner.Run(ctx, Command{
		Name: s.DockerBin,
		Args: DockerArgs(env, env.Request.DockerImage),
		Dir:  env.Subtask.WorkDir,
	})
}

func (s *steps) downloadModel(ctx context.Context, env StepEnv) error {
	if s.Objects == nil {
		return Errorf(models.CodeInternal, "no object store configured for model %s", env.Request.ModelHash)
	}
	dest := filepath.Join(env.Subtask.InDir(), TrainingOutput)
	if err := s.Objects.DownloadDir(ctx, s.ModelsBucket, env.Request.ModelHash, dest, true); err != nil {
		return WrapError(models.CodeInvalidArgument, err, "failed to fetch model %s", env.Request.ModelHash)
	}
	return nil
}

func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return WrapError(models.CodeMissingOutput, err, "expected worker output %s", filepath.Base(path))
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil || len(entries) == 0 {
			return Errorf(models.CodeMissingOutput, "worker output dir %s is empty", filepath.Base(path))
		}
	}
	return nil
}

func (s *steps) train(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	if err := s.prepareWorker(ctx, env, map[string]any{"mode": "training"}); err != nil {
		return nil, err
	}
	if err := s.runWorker(ctx, env); err != nil {
		return nil, err
	}

	modelDir := filepath.Join(env.Subtask.OutDir(), TrainingOutput)
	if err := requireOutput(modelDir); err != nil {
		return nil, err
	}

	modelHash := env.Request.TaskId
	if s.Objects != nil {
		if err := s.Objects.UploadDir(ctx, s.ModelsBucket, modelHash, modelDir); err != nil {
			return nil, WrapError(models.CodeInternal, err, "failed to store trained model")
		}
	} else {
		slog.Warn("no object store configured, trained model left in sandbox", "task_id", modelHash, "dir", modelDir)
	}

	return json.Marshal(map[string]string{"model_hash": modelHash})
}

func MiningImportArgs(env StepEnv, resultFile string) []string {
	args := []string{
		"import-mining",
		"--root", repoPath(env),
		"--src-revs", sourceRevisions(env),
		"--dst-rev", Revision(env.Subtask.Id),
		"--result-file", resultFile,
		"-w", env.Subtask.WorkDir,
	}
	if env.Request.TopK > 0 {
		args = append(args, "--topk", strconv.Itoa(env.Request.TopK))
	}
	return args
}

func (s *steps) mine(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	if err := s.downloadModel(ctx, env); err != nil {
		return nil, err
	}
	extra := map[string]any{"mode": "mining", "model_hash": env.Request.ModelHash, "top_k": env.Request.TopK}
	if env.Request.ModelStage != "" {
		extra["model_stage"] = env.Request.ModelStage
	}
	if err := s.prepareWorker(ctx, env, extra); err != nil {
		return nil, err
	}
	if err := s.runWorker(ctx, env); err != nil {
		return nil, err
	}

	resultFile := filepath.Join(env.Subtask.OutDir(), MiningOutput)
	if err := requireOutput(resultFile); err != nil {
		return nil, err
	}
	return nil, s.runRepoTool(ctx, env, MiningImportArgs(env, resultFile)...)
}

func (s *steps) infer(ctx context.Context, env StepEnv) (json.RawMessage, error) {
	if err := s.downloadModel(ctx, env); err != nil {
		return nil, err
	}
	extra := map[string]any{"mode": "inference", "model_hash": env.Request.ModelHash}
	if env.Request.ModelStage != "" {
		extra["model_stage"] = env.Request.ModelStage
	}
	if err := s.prepareWorker(ctx, env, extra); err != nil {
		return nil, err
	}
	if err := s.runWorker(ctx, env); err != nil {
		return nil, err
	}

	resultFile := filepath.Join(env.Subtask.OutDir(), InferenceOutput)
	data, err := os.ReadFile(resultFile)
	if err != nil {
		return nil, WrapError(models.CodeMissingOutput, err, "expected worker output %s", InferenceOutput)
	}
	if !json.Valid(data) {
		return nil, Errorf(models.CodeMissingOutput, "worker output %s is not valid json", InferenceOutput)
	}
	return json.RawMessage(data), nil
}
