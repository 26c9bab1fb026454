// Package validate is the InvalidArgument boundary: field-level checks on
// incoming ConfigKey/ServiceKey/Instance/ConfigValue requests via
// go-playground/validator/v10, plus config_type-aware content syntax
// checks using yaml.v3, pelletier/go-toml, and stdlib encoding/json and
// encoding/xml. Validation happens at the edge, before a command ever
// reaches the Raft apply path, via a struct-tag-driven validator.
package validate

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

var v = validator.New()

// configKeyInput and serviceKeyInput carry validator tags; the public
// functions below translate from/to the plain types.* structs so those
// stay free of a third-party struct-tag dependency.
type configKeyInput struct {
	Tenant string `validate:"max=128"`
	Group  string `validate:"required,max=128,excludesall=  "`
	DataID string `validate:"required,max=256,excludesall=  "`
}

type serviceKeyInput struct {
	NamespaceID string `validate:"max=128"`
	GroupName   string `validate:"required,max=128"`
	ServiceName string `validate:"required,max=256"`
}

type instanceInput struct {
	IP     string  `validate:"required,ip"`
	Port   int     `validate:"required,gt=0,lte=65535"`
	Weight float32 `validate:"gte=0"`
}

// ConfigKey checks tenant/group/dataId length and character constraints.
func ConfigKey(key types.ConfigKey) error {
	in := configKeyInput{Tenant: key.Tenant, Group: key.Group, DataID: key.DataID}
	if err := v.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	return nil
}

// ServiceKey checks namespace/group/serviceName length constraints.
func ServiceKey(key types.ServiceKey) error {
	in := serviceKeyInput{NamespaceID: key.NamespaceID, GroupName: key.GroupName, ServiceName: key.ServiceName}
	if err := v.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	return nil
}

// Instance checks IP/port/weight are well-formed; weight must be
// non-negative.
func Instance(inst *types.Instance) error {
	in := instanceInput{IP: inst.Key.IP, Port: inst.Key.Port, Weight: inst.Weight}
	if err := v.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	return nil
}

// ConfigContent checks content parses as configType's declared syntax,
// when that syntax is structured (json/xml/yaml/toml) or properties
// (every non-blank, non-comment line must be a key/value pair); text/html
// content is accepted as-is.
func ConfigContent(content string, configType types.ConfigType) error {
	switch configType {
	case types.ConfigTypeJSON:
		var v any
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return fmt.Errorf("%w: invalid json: %v", errs.InvalidArgument, err)
		}
	case types.ConfigTypeXML:
		var v any
		if err := xml.Unmarshal([]byte(content), &v); err != nil {
			return fmt.Errorf("%w: invalid xml: %v", errs.InvalidArgument, err)
		}
	case types.ConfigTypeYAML:
		var v any
		if err := yaml.Unmarshal([]byte(content), &v); err != nil {
			return fmt.Errorf("%w: invalid yaml: %v", errs.InvalidArgument, err)
		}
	case types.ConfigTypeTOML:
		var v any
		if err := toml.Unmarshal([]byte(content), &v); err != nil {
			return fmt.Errorf("%w: invalid toml: %v", errs.InvalidArgument, err)
		}
	case types.ConfigTypeProperties:
		if err := validateProperties(content); err != nil {
			return err
		}
	case types.ConfigTypeText, types.ConfigTypeHTML, "":
		// no structural constraint
	default:
		return fmt.Errorf("%w: unknown config_type %q", errs.InvalidArgument, configType)
	}
	return nil
}

// validateProperties rejects lines that are neither blank, a comment, nor
// a key=value (or key:value) pair, matching the loose .properties grammar
// Java tooling accepts.
func validateProperties(content string) error {
	for i, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "!") {
			continue
		}
		if !strings.ContainsAny(trimmed, "=:") {
			return fmt.Errorf("%w: properties line %d is not a key/value pair: %q", errs.InvalidArgument, i+1, trimmed)
		}
	}
	return nil
}
