package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalogue = `<?xml version="1.0"?>
<catalogue>
  <containers>
    <container>
      <name>cpu_small</name>
      <resourceRequirements>
        <cpu>1</cpu>
        <gpu>0</gpu>
        <memory_gb>2</memory_gb>
      </resourceRequirements>
    </container>
    <container>
      <name>cpu_large</name>
      <resourceRequirements>
        <cpu>8</cpu>
        <gpu>0</gpu>
        <memory_gb>32</memory_gb>
      </resourceRequirements>
    </container>
    <container>
      <name>gpu</name>
      <resourceRequirements>
        <cpu>4</cpu>
        <gpu>1</gpu>
        <memory_gb>16</memory_gb>
      </resourceRequirements>
    </container>
  </containers>
  <tasks>
    <task>
      <name>synthesis_psls</name>
      <container>cpu_large</container>
    </task>
    <task>
      <name>transit_search_bls</name>
      <container>cpu_small</container>
      <container>cpu_large</container>
    </task>
    <task>
      <name>null</name>
      <container>all</container>
    </task>
    <task>
      <name>vetting_ml</name>
      <container>gpu</container>
    </task>
  </tasks>
</catalogue>
`

func TestParseSample(t *testing.T) {
	c, err := Parse([]byte(sampleCatalogue))
	require.NoError(t, err)

	r, ok := c.Requirements("cpu_large")
	require.True(t, ok)
	assert.Equal(t, 8.0, r.CPU)
	assert.Equal(t, 32.0, r.MemoryGB)

	containers, ok := c.ContainersFor("transit_search_bls")
	require.True(t, ok)
	assert.Equal(t, []string{"cpu_small", "cpu_large"}, containers)

	_, ok = c.ContainersFor("unheard_of")
	assert.False(t, ok)

	assert.True(t, c.HasContainer("gpu"))
	assert.False(t, c.HasContainer("tpu"))
}

func TestAllExpandsToEveryContainer(t *testing.T) {
	c, err := Parse([]byte(sampleCatalogue))
	require.NoError(t, err)

	containers, ok := c.ContainersFor("null")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"cpu_small", "cpu_large", "gpu"}, containers)
}

func TestCapabilities(t *testing.T) {
	c, err := Parse([]byte(sampleCatalogue))
	require.NoError(t, err)

	caps := c.Capabilities("cpu_small")
	assert.ElementsMatch(t, []string{"transit_search_bls", "null"}, caps)

	caps = c.Capabilities("gpu")
	assert.ElementsMatch(t, []string{"vetting_ml", "null"}, caps)

	assert.Empty(t, c.Capabilities("missing"))
}

func TestUnknownContainerIsError(t *testing.T) {
	doc := `<catalogue>
  <containers>
    <container><name>cpu</name></container>
  </containers>
  <tasks>
    <task><name>t</name><container>does_not_exist</container></task>
  </tasks>
</catalogue>`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does_not_exist")
}

func TestReservedAndDuplicateNames(t *testing.T) {
	reserved := `<catalogue>
  <containers><container><name>all</name></container></containers>
</catalogue>`
	_, err := Parse([]byte(reserved))
	assert.Error(t, err)

	dupContainer := `<catalogue>
  <containers>
    <container><name>cpu</name></container>
    <container><name>cpu</name></container>
  </containers>
</catalogue>`
	_, err = Parse([]byte(dupContainer))
	assert.Error(t, err)

	dupTask := `<catalogue>
  <containers><container><name>cpu</name></container></containers>
  <tasks>
    <task><name>t</name><container>cpu</container></task>
    <task><name>t</name><container>cpu</container></task>
  </tasks>
</catalogue>`
	_, err = Parse([]byte(dupTask))
	assert.Error(t, err)
}

func TestMalformedXML(t *testing.T) {
	_, err := Parse([]byte("<catalogue><containers>"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogue.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalogue), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.HasContainer("cpu_small"))

	_, err = Load(filepath.Join(dir, "absent.xml"))
	assert.Error(t, err)
}
