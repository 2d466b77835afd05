package config

import (
	"fmt"
	"os"
)

const exampleConfig = `# Use project isolation based on the parent directory name (default: false).
# When enabled, instances run inside their own project instead of the
# default one. Set to a string to pick the project name explicitly.
project: true

instances:
  client:
    image: images:ubuntu/24.04
    provision: |
      #!/bin/bash
      set -xe
      apt-get update
      apt-get -y install curl
  webserver:
    image: images:debian/13
    vm: true # KVM virtual machine, not container
    devices:
      root:
        size: 20GB # set size of root device to 20GB
    config: # backend config options
      limits.processes: 100
    type: c2-m2 # 2 CPUs, 2 GB of RAM
    provision:
      # first, a single command
      - apt-get update && apt-get -y install ruby
      # then a multi-line script that is pushed into the instance
      - |
        #!/bin/bash
        set -xe
        echo Done!
`

// WriteExample creates an example configuration file, refusing to
// overwrite an existing one.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}
