package apps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hpc-orchestrator/core/models"
)

func namdExperiment() *models.Experiment {
	return &models.Experiment{
		Name:        "ubiquitin",
		Application: models.AppNAMD,
		Parallelism: models.ParallelismGPU,
		Inputs: []models.InputFile{
			{Category: models.FileConfig, Path: "/data/ubq run.conf"},
			{Category: models.FileTopology, Path: "/data/ubq.psf"},
			{Category: models.FileCoordinate, Path: "/data/ubq.pdb"},
			{Category: models.FileParameter, Path: "/data/par.prm"},
		},
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []models.AppKind{models.AppGeneric, models.AppGROMACS, models.AppNAMD}, Kinds())

	_, err := Lookup("amber")
	require.Error(t, err)

	a, err := Lookup(models.AppNAMD)
	require.NoError(t, err)
	assert.Equal(t, models.AppNAMD, a.Kind())
}

func TestMissingCategories(t *testing.T) {
	a, err := Lookup(models.AppNAMD)
	require.NoError(t, err)

	exp := namdExperiment()
	assert.Empty(t, MissingCategories(a, exp))

	exp.Inputs = exp.Inputs[:2]
	assert.Equal(t, []models.FileCategory{models.FileCoordinate, models.FileParameter}, MissingCategories(a, exp))
}

func TestNAMDScript(t *testing.T) {
	res := models.ResourceHandle{Backend: models.BackendSlurm, Cluster: "delta", Walltime: models.Duration(time.Hour), CPUs: 8, GPUs: 2}
	script, err := (&NAMDSetup{}).Script(namdExperiment(), res)
	require.NoError(t, err)
	assert.Contains(t, script, "namd3 +p8 +devices 0,1 'ubq run.conf' > namd.log 2>&1")
}

func TestGROMACSScript(t *testing.T) {
	exp := &models.Experiment{
		Name:        "lysozyme",
		Application: models.AppGROMACS,
		Parallelism: models.ParallelismCPU,
		Inputs: []models.InputFile{
			{Category: models.FileConfig, Path: "md.mdp"},
			{Category: models.FileTopology, Path: "topol.top"},
			{Category: models.FileCoordinate, Path: "conf.gro"},
		},
	}
	script, err := (&GROMACSSetup{}).Script(exp, models.ResourceHandle{CPUs: 4})
	require.NoError(t, err)
	assert.Contains(t, script, "gmx grompp -f 'md.mdp' -p 'topol.top' -c 'conf.gro' -o run.tpr")
	assert.Contains(t, script, "gmx mdrun -deffnm run -ntomp 4 > mdrun.log")
	assert.NotContains(t, script, "-nb gpu")
}

func TestGenericScriptRequiresConfig(t *testing.T) {
	_, err := (&GenericSetup{}).Script(&models.Experiment{Name: "x"}, models.ResourceHandle{})
	require.Error(t, err)

	script, err := (&GenericSetup{}).Script(&models.Experiment{Name: "x", Inputs: []models.InputFile{{Category: models.FileConfig, Path: "/tmp/run.sh"}}}, models.ResourceHandle{})
	require.NoError(t, err)
	assert.Equal(t, "set -e\nexport OMP_NUM_THREADS=1\nsh 'run.sh'\n", script)
}
