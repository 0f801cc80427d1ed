package gpu

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Host reports the GPUs physically present and the ones an OS process is
// already using outside of the lease store.
type Host interface {
	GPUs(ctx context.Context) (all []string, busy []string, err error)
}

type StaticHost struct {
	ids []string
}

func NewStaticHost(ids []string) *StaticHost {
	return &StaticHost{ids: ids}
}

func (h *StaticHost) GPUs(ctx context.Context) ([]string, []string, error) {
	return append([]string(nil), h.ids...), nil, nil
}

type NvidiaSMI struct {
	bin string
}

func NewNvidiaSMI() *NvidiaSMI {
	return &NvidiaSMI{bin: "nvidia-smi"}
}

func (n *NvidiaSMI) query(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, n.bin, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s %s failed: %w", n.bin, strings.Join(args, " "), err)
	}
	return string(out), nil
}

func (n *NvidiaSMI) GPUs(ctx context.Context) ([]string, []string, error) {
	gpuList, err := n.query(ctx, "--query-gpu=index,uuid", "--format=csv,noheader")
	if err != nil {
		return nil, nil, err
	}
	apps, err := n.query(ctx, "--query-compute-apps=gpu_uuid", "--format=csv,noheader")
	if err != nil {
		return nil, nil, err
	}

	all, byUUID, err := parseGPUList(gpuList)
	if err != nil {
		return nil, nil, err
	}
	return all, parseBusy(apps, byUUID), nil
}

// parseGPUList reads "index, uuid" rows.
func parseGPUList(out string) ([]string, map[string]string, error) {
	var ids []string
	byUUID := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("unexpected nvidia-smi gpu row %q", line)
		}
		index, uuid := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		ids = append(ids, index)
		byUUID[uuid] = index
	}
	return ids, byUUID, scanner.Err()
}

func parseBusy(out string, byUUID map[string]string) []string {
	seen := make(map[string]bool)
	var busy []string
	for _, line := range strings.Split(out, "\n") {
		uuid := strings.TrimSpace(line)
		if index, ok := byUUID[uuid]; ok && !seen[index] {
			seen[index] = true
			busy = append(busy, index)
		}
	}
	return busy
}
