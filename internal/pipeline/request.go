package pipeline

import (
	"geoalign/internal/config"
	"geoalign/internal/tasks"
)

// SubmitRequest is a remotely submitted run. Empty fields fall back to the
// configured layout.
type SubmitRequest struct {
	SourceDir  string            `json:"source_dir"`
	TargetDir  string            `json:"target_dir"`
	PortsFile  string            `json:"ports_file"`
	OutputPath string            `json:"output_path"`
	Ports      map[string]string `json:"ports,omitempty"`
	Check      bool              `json:"check"`
}

// Job converts the request into a job with the given id.
func (sr SubmitRequest) Job(id string, paths config.Paths) (Job, error) {
	req := tasks.RequestFromPaths(id, paths)
	if sr.SourceDir != "" {
		req.SourceDir = sr.SourceDir
	}
	if sr.TargetDir != "" {
		req.TargetDir = sr.TargetDir
	}
	if sr.PortsFile != "" {
		req.PortsFile = sr.PortsFile
	}
	if sr.OutputPath != "" {
		req.OutputPath = sr.OutputPath
	}
	if sr.Ports != nil {
		ports, err := config.PortsFromStrings(sr.Ports)
		if err != nil {
			return Job{}, err
		}
		req.Ports = &ports
	}
	jobType := JobTranslate
	if sr.Check {
		jobType = JobCheck
	}
	return Job{ID: id, Type: jobType, Request: req}, nil
}
