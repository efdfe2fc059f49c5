package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/flowcore/datastream/model"
)

// DatastreamFile is the on-disk definition of the datastreams this engine
// instance's tasks are assigned. It stands in for the cluster coordinator's
// assignment feed, which is out of scope here — mirrors the teacher's
// spec.File pipeline-definition shape
// (_examples/mohsanabbas-quanta/internal/spec/spec.go).
type DatastreamFile struct {
	SchemaVersion string               `yaml:"schema_version"`
	Datastreams   []DatastreamDefinition `yaml:"datastreams"`
}

type DatastreamDefinition struct {
	Name                        string            `yaml:"name"`
	ConnectorName               string            `yaml:"connector_name"`
	SourceConnectionString      string            `yaml:"source"`
	DestinationConnectionString string            `yaml:"destination"`
	Status                      string            `yaml:"status"`
	Metadata                    map[string]string `yaml:"metadata"`
}

// LoadDatastreams parses a datastream-definitions YAML file and validates
// its schema_version.
func LoadDatastreams(path string) ([]model.Datastream, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDatastreamFile(raw)
}

// ParseDatastreamFile parses and validates a datastream-definitions YAML
// document already in memory — the shared core LoadDatastreams reads off
// disk and the control plane's DeployPipeline RPC applies to a single
// document received over the wire.
func ParseDatastreamFile(raw []byte) ([]model.Datastream, error) {
	var file DatastreamFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	if file.SchemaVersion == "" {
		file.SchemaVersion = SupportedSchema
	}
	if file.SchemaVersion != SupportedSchema {
		return nil, fmt.Errorf("datastream definitions: schema_version %q not supported (want %q)", file.SchemaVersion, SupportedSchema)
	}

	out := make([]model.Datastream, 0, len(file.Datastreams))
	for _, d := range file.Datastreams {
		out = append(out, d.toModel())
	}
	return out, nil
}

// ParseDatastreamDefinition parses a single datastream definition (no
// schema_version wrapper), the shape DeployPipeline's yaml field carries.
func ParseDatastreamDefinition(raw []byte) (model.Datastream, error) {
	var d DatastreamDefinition
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return model.Datastream{}, err
	}
	if d.Name == "" {
		return model.Datastream{}, fmt.Errorf("datastream definition: name is required")
	}
	return d.toModel(), nil
}

func (d DatastreamDefinition) toModel() model.Datastream {
	status := model.Status(d.Status)
	if status == "" {
		status = model.StatusReady
	}
	meta := d.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return model.Datastream{
		Name:                        d.Name,
		ConnectorName:               d.ConnectorName,
		SourceConnectionString:      d.SourceConnectionString,
		DestinationConnectionString: d.DestinationConnectionString,
		Status:                      status,
		Metadata:                    meta,
	}
}
