package configuration

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v2"
)

// Parser parses a configuration file and overlays environment variables onto
// the result.
type Parser struct {
	prefix string
	env    map[string]string
}

// NewParser returns a *Parser with the given environment prefix.
func NewParser(prefix string) *Parser {
	p := &Parser{prefix: prefix, env: make(map[string]string)}

	for _, env := range os.Environ() {
		envParts := strings.SplitN(env, "=", 2)
		p.env[envParts[0]] = envParts[1]
	}

	return p
}

// Parse reads the given yaml document into v and applies environment
// overrides.
//
// v.Abc may be replaced by the value of PREFIX_ABC, v.Abc.Xyz by the value of
// PREFIX_ABC_XYZ, and so forth. Override values are themselves parsed as
// yaml, so compound fields can be replaced wholesale.
func (p *Parser) Parse(in []byte, v interface{}) error {
	if err := yaml.Unmarshal(in, v); err != nil {
		return err
	}

	return p.overwriteFields(reflect.ValueOf(v), strings.ToUpper(p.prefix))
}

func (p *Parser) overwriteFields(v reflect.Value, prefix string) error {
	for v.Kind() == reflect.Ptr {
		v = reflect.Indirect(v)
	}

	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			sf := v.Type().Field(i)
			if sf.PkgPath != "" {
				continue
			}
			fieldPrefix := prefix + "_" + strings.ToUpper(sf.Name)
			if e, ok := p.env[fieldPrefix]; ok {
				fieldVal := reflect.New(sf.Type)
				if err := yaml.Unmarshal([]byte(e), fieldVal.Interface()); err != nil {
					return fmt.Errorf("parsing environment variable %s: %w", fieldPrefix, err)
				}
				v.Field(i).Set(reflect.Indirect(fieldVal))
				continue
			}
			if err := p.overwriteFields(v.Field(i), fieldPrefix); err != nil {
				return err
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			if key.Kind() != reflect.String {
				continue
			}
			mapPrefix := prefix + "_" + strings.ToUpper(key.String())
			if e, ok := p.env[mapPrefix]; ok {
				elemVal := reflect.New(v.Type().Elem())
				if err := yaml.Unmarshal([]byte(e), elemVal.Interface()); err != nil {
					return fmt.Errorf("parsing environment variable %s: %w", mapPrefix, err)
				}
				v.SetMapIndex(key, reflect.Indirect(elemVal))
			}
		}
	}

	return nil
}
