package invoker

import (
	"regexp"

	"task-controller/pkg/models"
)

// Invoker turns one task type's requests into plans.
type Invoker interface {
	Type() models.TaskType

	// Validate runs cheap local checks only. It never touches the filesystem
	// or the repository.
	Validate(req *models.TaskRequest) error

	// Plan may return a different number of steps depending on the request.
	Plan(req *models.TaskRequest) (Plan, error)

	GPUCount(req *models.TaskRequest) int
}

type Registry map[models.TaskType]Invoker

func NewRegistry(deps Deps) Registry {
	s := newSteps(deps)

	registry := Registry{}
	for _, inv := range []Invoker{
		&mergeInvoker{s},
		&sampleInvoker{s},
		&trainingInvoker{s},
		&miningInvoker{s},
		&inferenceInvoker{s},
		&importInvoker{s},
		&exportInvoker{s},
		&labelInvoker{s},
	} {
		registry[inv.Type()] = inv
	}
	return registry
}

func (r Registry) Get(t models.TaskType) (Invoker, error) {
	inv, ok := r[t]
	if !ok {
		return nil, Errorf(models.CodeInvalidArgument, "unsupported task type %q", t)
	}
	return inv, nil
}

var idPattern = regexp.MustCompile(`^[\w-]+$`)

func validateId(field, value string) error {
	if value == "" {
		return Errorf(models.CodeInvalidArgument, "%s is required", field)
	}
	if !idPattern.MatchString(value) {
		return Errorf(models.CodeInvalidArgument, "invalid %s %q", field, value)
	}
	return nil
}

func validateCommon(req *models.TaskRequest) error {
	if err := validateId("user_id", req.UserId); err != nil {
		return err
	}
	if err := validateId("repo_id", req.RepoId); err != nil {
		return err
	}
	if err := validateId("task_id", req.TaskId); err != nil {
		return err
	}
	for _, ids := range [][]string{req.InDatasetIds, req.ExDatasetIds} {
		for _, id := range ids {
			if err := validateId("dataset id", id); err != nil {
				return err
			}
		}
	}

	if req.SampleCount < 0 || req.SampleRate < 0 || req.GPUCount < 0 || req.TopK < 0 {
		return Errorf(models.CodeInvalidArgument, "counts and rates must be non-negative")
	}

	switch req.MergeStrategy {
	case "", models.MergeStrategyStop, models.MergeStrategyHost, models.MergeStrategyGuest:
	default:
		return Errorf(models.CodeInvalidArgument, "unknown merge strategy %q", req.MergeStrategy)
	}
	return nil
}

func requireDatasets(req *models.TaskRequest) error {
	if len(req.InDatasetIds) == 0 {
		return Errorf(models.CodeInvalidArgument, "at least one input dataset is required")
	}
	return nil
}

func requireImage(req *models.TaskRequest) error {
	if req.DockerImage == "" {
		return Errorf(models.CodeInvalidArgument, "docker_image is required for %s", req.TaskType)
	}
	return nil
}

func requireModel(req *models.TaskRequest) error {
	return validateId("model_hash", req.ModelHash)
}

// needsMerge reports whether the inputs must be merged into one revision
// before the primary step can run.
func needsMerge(req *models.TaskRequest) bool {
	return len(req.InDatasetIds) != 1 || len(req.ExDatasetIds) > 0
}

// withOptionalMerge returns [primary, merge] with the given weights, or just
// [primary] carrying the whole weight when no merge is needed.
func withOptionalMerge(req *models.TaskRequest, primary Step, merge Step) Plan {
	if !needsMerge(req) {
		primary.Weight += merge.Weight
		return Plan{primary}
	}
	return Plan{primary, merge}
}

type mergeInvoker struct{ *steps }

func (i *mergeInvoker) Type() models.TaskType { return models.TaskTypeMerge }

func (i *mergeInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	return requireDatasets(req)
}

func (i *mergeInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return Plan{{Name: "merge", Weight: 1, Run: i.merge}}, nil
}

func (i *mergeInvoker) GPUCount(req *models.TaskRequest) int { return 0 }

type sampleInvoker struct{ *steps }

func (i *sampleInvoker) Type() models.TaskType { return models.TaskTypeSample }

func (i *sampleInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if err := requireDatasets(req); err != nil {
		return err
	}
	if req.SampleCount == 0 && (req.SampleRate <= 0 || req.SampleRate > 1) {
		return Errorf(models.CodeInvalidArgument, "sample needs sample_count > 0 or sample_rate in (0, 1]")
	}
	return nil
}

func (i *sampleInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return withOptionalMerge(req,
		Step{Name: "sample", Weight: 0.9, Run: i.sample},
		Step{Name: "merge", Weight: 0.1, Run: i.merge},
	), nil
}

func (i *sampleInvoker) GPUCount(req *models.TaskRequest) int { return 0 }

type trainingInvoker struct{ *steps }

func (i *trainingInvoker) Type() models.TaskType { return models.TaskTypeTraining }

func (i *trainingInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if err := requireDatasets(req); err != nil {
		return err
	}
	return requireImage(req)
}

// Training always merges first so class filters are applied to the inputs.
func (i *trainingInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return Plan{
		{Name: "train", Weight: 0.99, Run: i.train},
		{Name: "merge", Weight: 0.01, Run: i.merge},
	}, nil
}

func (i *trainingInvoker) GPUCount(req *models.TaskRequest) int { return req.GPUCount }

type miningInvoker struct{ *steps }

func (i *miningInvoker) Type() models.TaskType { return models.TaskTypeMining }

func (i *miningInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if err := requireDatasets(req); err != nil {
		return err
	}
	if err := requireImage(req); err != nil {
		return err
	}
	return requireModel(req)
}

func (i *miningInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return withOptionalMerge(req,
		Step{Name: "mine", Weight: 0.9, Run: i.mine},
		Step{Name: "merge", Weight: 0.1, Run: i.merge},
	), nil
}

func (i *miningInvoker) GPUCount(req *models.TaskRequest) int { return req.GPUCount }

type inferenceInvoker struct{ *steps }

func (i *inferenceInvoker) Type() models.TaskType { return models.TaskTypeInference }

func (i *inferenceInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if err := requireDatasets(req); err != nil {
		return err
	}
	if err := requireImage(req); err != nil {
		return err
	}
	return requireModel(req)
}

func (i *inferenceInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return Plan{{Name: "infer", Weight: 1, Run: i.infer}}, nil
}

func (i *inferenceInvoker) GPUCount(req *models.TaskRequest) int { return req.GPUCount }

type importInvoker struct{ *steps }

func (i *importInvoker) Type() models.TaskType { return models.TaskTypeImport }

func (i *importInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if req.ImportAssetDir == "" {
		return Errorf(models.CodeInvalidArgument, "import_asset_dir is required")
	}
	return nil
}

func (i *importInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return Plan{{Name: "import", Weight: 1, Run: i.importData}}, nil
}

func (i *importInvoker) GPUCount(req *models.TaskRequest) int { return 0 }

type exportInvoker struct{ *steps }

func (i *exportInvoker) Type() models.TaskType { return models.TaskTypeExport }

func (i *exportInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if err := requireDatasets(req); err != nil {
		return err
	}
	if req.ExportDir == "" {
		return Errorf(models.CodeInvalidArgument, "export_dir is required")
	}
	return nil
}

func (i *exportInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return Plan{{Name: "export", Weight: 1, Run: i.export}}, nil
}

func (i *exportInvoker) GPUCount(req *models.TaskRequest) int { return 0 }

type labelInvoker struct{ *steps }

func (i *labelInvoker) Type() models.TaskType { return models.TaskTypeLabel }

func (i *labelInvoker) Validate(req *models.TaskRequest) error {
	if err := validateCommon(req); err != nil {
		return err
	}
	if err := requireDatasets(req); err != nil {
		return err
	}
	if req.LabelProject == "" {
		return Errorf(models.CodeInvalidArgument, "label_project is required")
	}
	return nil
}

func (i *labelInvoker) Plan(req *models.TaskRequest) (Plan, error) {
	return Plan{{Name: "label", Weight: 1, Run: i.label}}, nil
}

func (i *labelInvoker) GPUCount(req *models.TaskRequest) int { return 0 }
