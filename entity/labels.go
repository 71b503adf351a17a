package entity

const (
	LabelUsername      = "username"
	LabelSystemTest    = "system-test"
	LabelWorkflowID    = "cromwell-workflow-id"
	LabelRestartedFrom = "cromwell-restarted-from"
)

// Labels is the key/value set attached to a job on the execution server.
type Labels map[string]string

func (l Labels) Owner() string {
	if l == nil {
		return ""
	}
	return l[LabelUsername]
}

func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// WithDefault returns a copy with key set to value unless the caller already set it.
func (l Labels) WithDefault(key, value string) Labels {
	out := l.Clone()
	if _, ok := out[key]; !ok && value != "" {
		out[key] = value
	}
	return out
}

// WithoutSystemLabels drops labels the server assigns itself.
func (l Labels) WithoutSystemLabels() Labels {
	out := l.Clone()
	delete(out, LabelWorkflowID)
	delete(out, LabelRestartedFrom)
	return out
}
