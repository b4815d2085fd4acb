package apps

import (
	"fmt"
	"strings"

	"hpc-orchestrator/core/models"
)

// GROMACSSetup launches GROMACS runs (grompp then mdrun)
type GROMACSSetup struct{}

// Kind implements Adapter
func (g *GROMACSSetup) Kind() models.AppKind { return models.AppGROMACS }

// Required implements Adapter
func (g *GROMACSSetup) Required() []models.FileCategory {
	return []models.FileCategory{models.FileConfig, models.FileTopology, models.FileCoordinate}
}

// Script implements Adapter
func (g *GROMACSSetup) Script(exp *models.Experiment, res models.ResourceHandle) (string, error) {
	mdp, err := firstFile(exp, models.FileConfig)
	if err != nil {
		return "", err
	}
	top, err := firstFile(exp, models.FileTopology)
	if err != nil {
		return "", err
	}
	coord, err := firstFile(exp, models.FileCoordinate)
	if err != nil {
		return "", err
	}

	mdrun := []string{"gmx mdrun", "-deffnm run", fmt.Sprintf("-ntomp %d", threads(res))}
	if res.EffectiveParallelism() == models.ParallelismGPU {
		mdrun = append(mdrun, "-nb gpu")
	}

	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "gmx grompp -f %s -p %s -c %s -o run.tpr > grompp.log 2>&1\n", quote(mdp), quote(top), quote(coord))
	fmt.Fprintf(&b, "%s > mdrun.log 2>&1\n", strings.Join(mdrun, " "))
	return b.String(), nil
}
