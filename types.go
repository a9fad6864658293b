package flagcore

import "encoding/json"

// ConfigKind is the recognized set of ConfigSpec kinds.
type ConfigKind string

const (
	KindFeatureGate   ConfigKind = "feature_gate"
	KindDynamicConfig ConfigKind = "dynamic_config"
	KindLayer         ConfigKind = "layer"
)

// ConfigSpec is the parsed, validated representation of a gate, dynamic
// config, or layer as served by the config-specs endpoint.
type ConfigSpec struct {
	Name               string          `json:"name"`
	Type               string          `json:"type"`
	Salt               string          `json:"salt"`
	Enabled            bool            `json:"enabled"`
	Rules              []ConfigRule    `json:"rules"`
	DefaultValue       json.RawMessage `json:"defaultValue"`
	IDType             string          `json:"idType"`
	Entity             string          `json:"entity"`
	ExplicitParameters []string        `json:"explicitParameters"`
	IsActive           *bool           `json:"isActive,omitempty"`

	defaultValueJSON map[string]interface{}
}

// Kind normalizes Type for dispatch (wire payloads are case-insensitive).
func (c ConfigSpec) Kind() ConfigKind {
	switch lower(c.Type) {
	case string(KindDynamicConfig):
		return KindDynamicConfig
	case string(KindLayer):
		return KindLayer
	default:
		return KindFeatureGate
	}
}

// ConfigRule is one ordered entry in a ConfigSpec's rule sequence.
type ConfigRule struct {
	Name           string            `json:"name"`
	ID             string            `json:"id"`
	GroupName      string            `json:"groupName,omitempty"`
	Salt           string            `json:"salt"`
	PassPercentage float64           `json:"passPercentage"`
	Conditions     []ConfigCondition `json:"conditions"`
	ReturnValue    json.RawMessage   `json:"returnValue"`
	IDType         string            `json:"idType"`
	ConfigDelegate string            `json:"configDelegate"`

	returnValueJSON map[string]interface{}
}

// ConfigCondition is a single predicate evaluated against a User.
type ConfigCondition struct {
	Type             string                 `json:"type"`
	Operator         string                 `json:"operator"`
	Field            string                 `json:"field"`
	TargetValue      interface{}            `json:"targetValue"`
	AdditionalValues map[string]interface{} `json:"additionalValues"`
	IDType           string                 `json:"idType"`
}

// DownloadConfigSpecResponse is the config-specs endpoint payload.
type DownloadConfigSpecResponse struct {
	HasUpdates     bool                `json:"has_updates"`
	Time           int64               `json:"time"`
	FeatureGates   []ConfigSpec        `json:"feature_gates"`
	DynamicConfigs []ConfigSpec        `json:"dynamic_configs"`
	LayerConfigs   []ConfigSpec        `json:"layer_configs"`
	Layers         map[string][]string `json:"layers"`
	SDKKeysToAppID map[string]string   `json:"sdk_keys_to_app_ids,omitempty"`
	Diagnostics    map[string]int      `json:"diagnostics,omitempty"`
}

// IDListLookupEntry is one value of the id-lists lookup response.
type IDListLookupEntry struct {
	URL          string `json:"url"`
	FileID       string `json:"fileID"`
	Size         int64  `json:"size"`
	CreationTime int64  `json:"creationTime"`
}

func newConfigSpecFromWire(c ConfigSpec) (ConfigSpec, error) {
	if c.Name == "" {
		return ConfigSpec{}, &InvalidArgumentError{Message: "config spec is missing a name"}
	}
	for i := range c.Rules {
		if c.Rules[i].Salt == "" {
			c.Rules[i].Salt = c.Salt
		}
		if c.Rules[i].IDType == "" {
			c.Rules[i].IDType = c.IDType
		}
	}
	if c.Kind() != KindFeatureGate {
		var defaultValue map[string]interface{}
		if len(c.DefaultValue) > 0 {
			if err := json.Unmarshal(c.DefaultValue, &defaultValue); err != nil {
				return ConfigSpec{}, &InvalidArgumentError{Message: "default value is not a JSON object: " + err.Error()}
			}
		}
		if defaultValue == nil {
			defaultValue = make(map[string]interface{})
		}
		c.defaultValueJSON = defaultValue
		for i, rule := range c.Rules {
			var rv map[string]interface{}
			if len(rule.ReturnValue) > 0 {
				if err := json.Unmarshal(rule.ReturnValue, &rv); err != nil {
					return ConfigSpec{}, &InvalidArgumentError{Message: "rule return value is not a JSON object: " + err.Error()}
				}
			}
			if rv == nil {
				rv = make(map[string]interface{})
			}
			c.Rules[i].returnValueJSON = rv
		}
	}
	return c, nil
}
