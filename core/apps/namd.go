package apps

import (
	"fmt"
	"strings"

	"hpc-orchestrator/core/models"
)

// NAMDSetup launches NAMD runs
type NAMDSetup struct{}

// Kind implements Adapter
func (n *NAMDSetup) Kind() models.AppKind { return models.AppNAMD }

// Required implements Adapter
func (n *NAMDSetup) Required() []models.FileCategory {
	return []models.FileCategory{models.FileConfig, models.FileTopology, models.FileCoordinate, models.FileParameter}
}

// Script implements Adapter
func (n *NAMDSetup) Script(exp *models.Experiment, res models.ResourceHandle) (string, error) {
	conf, err := firstFile(exp, models.FileConfig)
	if err != nil {
		return "", err
	}

	binary := "namd3"
	if b := res.Constraints["namd_binary"]; b != "" {
		binary = b
	}

	args := []string{binary, fmt.Sprintf("+p%d", threads(res))}
	if res.EffectiveParallelism() == models.ParallelismGPU && res.GPUs > 0 {
		args = append(args, "+devices", gpuList(res.GPUs))
	}
	args = append(args, quote(conf))

	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "%s > namd.log 2>&1\n", strings.Join(args, " "))
	return b.String(), nil
}
