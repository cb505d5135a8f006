// Package catalog parses the TaskType catalogue: the XML document declaring
// worker containers, their resource requirements, and which containers can
// run which task types. Parsing is strict; a task naming an undeclared
// container is an error.
package catalog

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/calder/transitpipe/internal/models"
)

// ContainerAll is the wildcard container name that expands to every
// declared container.
const ContainerAll = "all"

type xmlCatalogue struct {
	XMLName    xml.Name       `xml:"catalogue"`
	Containers []xmlContainer `xml:"containers>container"`
	Tasks      []xmlTask      `xml:"tasks>task"`
}

type xmlContainer struct {
	Name         string          `xml:"name"`
	Requirements xmlRequirements `xml:"resourceRequirements"`
}

type xmlRequirements struct {
	CPU      float64 `xml:"cpu"`
	GPU      float64 `xml:"gpu"`
	MemoryGB float64 `xml:"memory_gb"`
}

type xmlTask struct {
	Name       string   `xml:"name"`
	Containers []string `xml:"container"`
}

// Catalogue is the parsed, resolved task-type catalogue. Containers and
// task types are two id-keyed tables joined by the capability relation;
// both directions are resolved on demand.
type Catalogue struct {
	containers map[string]models.ResourceRequirements
	taskTypes  map[string][]string // task type -> container names
}

// Load reads and resolves a catalogue file.
func Load(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return Parse(data)
}

// Parse resolves a catalogue document.
func Parse(data []byte) (*Catalogue, error) {
	var doc xmlCatalogue
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}

	c := &Catalogue{
		containers: make(map[string]models.ResourceRequirements),
		taskTypes:  make(map[string][]string),
	}

	var allContainers []string
	for _, cont := range doc.Containers {
		if cont.Name == "" {
			return nil, fmt.Errorf("catalogue: container with empty name")
		}
		if cont.Name == ContainerAll {
			return nil, fmt.Errorf("catalogue: %q is reserved", ContainerAll)
		}
		if _, dup := c.containers[cont.Name]; dup {
			return nil, fmt.Errorf("catalogue: duplicate container %q", cont.Name)
		}
		c.containers[cont.Name] = models.ResourceRequirements{
			CPU:      cont.Requirements.CPU,
			GPU:      cont.Requirements.GPU,
			MemoryGB: cont.Requirements.MemoryGB,
		}
		allContainers = append(allContainers, cont.Name)
	}

	for _, task := range doc.Tasks {
		if task.Name == "" {
			return nil, fmt.Errorf("catalogue: task with empty name")
		}
		if _, dup := c.taskTypes[task.Name]; dup {
			return nil, fmt.Errorf("catalogue: duplicate task %q", task.Name)
		}
		var resolved []string
		for _, name := range task.Containers {
			if name == ContainerAll {
				resolved = append(resolved, allContainers...)
				continue
			}
			if _, known := c.containers[name]; !known {
				return nil, fmt.Errorf("catalogue: task %q names unknown container %q",
					task.Name, name)
			}
			resolved = append(resolved, name)
		}
		c.taskTypes[task.Name] = dedupe(resolved)
	}

	return c, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// TaskTypes returns every declared task type.
func (c *Catalogue) TaskTypes() []models.TaskType {
	out := make([]models.TaskType, 0, len(c.taskTypes))
	for name, containers := range c.taskTypes {
		out = append(out, models.TaskType{Name: name, Containers: containers})
	}
	return out
}

// Capabilities returns the task type names a container may execute, the
// worker's capability set.
func (c *Catalogue) Capabilities(container string) []string {
	var out []string
	for taskType, containers := range c.taskTypes {
		for _, name := range containers {
			if name == container {
				out = append(out, taskType)
				break
			}
		}
	}
	return out
}

// ContainersFor returns the containers able to run a task type.
func (c *Catalogue) ContainersFor(taskType string) ([]string, bool) {
	containers, ok := c.taskTypes[taskType]
	return containers, ok
}

// Requirements returns a container's declared resources.
func (c *Catalogue) Requirements(container string) (models.ResourceRequirements, bool) {
	r, ok := c.containers[container]
	return r, ok
}

// HasContainer reports whether a container is declared.
func (c *Catalogue) HasContainer(container string) bool {
	_, ok := c.containers[container]
	return ok
}
