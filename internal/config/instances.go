package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// instancesFile is the YAML document shape for a fleet file:
//
//	instances:
//	  - name: sonar-a
//	    host: http://sonar-a:9000
//	    token: squ_...
//	    max_concurrent: 2
type instancesFile struct {
	Instances []SonarInstance `yaml:"instances"`
}

// LoadInstancesFile reads backend instances from a YAML fleet file. Operators
// keep the fleet in a separate file so tokens can be rotated without touching
// the main config.
func LoadInstancesFile(path string) ([]SonarInstance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc instancesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	for i, inst := range doc.Instances {
		if inst.Name == "" || inst.Host == "" {
			return nil, fmt.Errorf("instance %d in %s: name and host are required", i, path)
		}
	}
	return doc.Instances, nil
}
