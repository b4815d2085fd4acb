package apps

import (
	"fmt"

	"hpc-orchestrator/core/models"
)

// GenericSetup runs the config input as a shell script
type GenericSetup struct{}

// Kind implements Adapter
func (g *GenericSetup) Kind() models.AppKind { return models.AppGeneric }

// Required implements Adapter
func (g *GenericSetup) Required() []models.FileCategory {
	return []models.FileCategory{models.FileConfig}
}

// Script implements Adapter
func (g *GenericSetup) Script(exp *models.Experiment, res models.ResourceHandle) (string, error) {
	conf, err := firstFile(exp, models.FileConfig)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("set -e\nexport OMP_NUM_THREADS=%d\nsh %s\n", threads(res), quote(conf)), nil
}
