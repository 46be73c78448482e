package schema

import (
	"bytes"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/spf13/viper"

	"github.com/joseph-ayodele/credit-extractor/constants"
	"github.com/joseph-ayodele/credit-extractor/internal/common"
)

type ruleConfig struct {
	Type         string   `mapstructure:"type"`
	Pattern      string   `mapstructure:"pattern"`
	Min          *float64 `mapstructure:"min"`
	Max          *float64 `mapstructure:"max"`
	DecimalComma *bool    `mapstructure:"decimal_comma"`
	Description  string   `mapstructure:"description"`
}

type fieldConfig struct {
	Name        string      `mapstructure:"name" validate:"required"`
	Description string      `mapstructure:"description"`
	Aliases     []string    `mapstructure:"aliases" validate:"dive,required"`
	Rule        *ruleConfig `mapstructure:"rule"`
}

type documentTypeConfig struct {
	Name        string        `mapstructure:"name" validate:"required"`
	Description string        `mapstructure:"description"`
	Fields      []fieldConfig `mapstructure:"fields" validate:"required,min=1,dive"`
}

type registryConfig struct {
	DocumentTypes []documentTypeConfig `mapstructure:"document_types" validate:"required,min=1,dive"`
}

// Registry holds every configured document type. It is built once at
// startup and passed to the components that need it.
type Registry struct {
	types map[string]*DocumentType
}

// Load reads the registry from a YAML (or JSON/TOML) file.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read document types %s: %w", path, err)
	}
	reg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("schema.registry.loaded", "path", path, "document_types", reg.Names())
	}
	return reg, nil
}

// Parse reads the registry from raw configuration bytes of the given format.
func Parse(data []byte, format string) (*Registry, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse document types: %w", err)
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Registry, error) {
	var cfg registryConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode document types: %v", common.ErrSchemaInvalid, err)
	}
	if err := common.ValidateStruct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrSchemaInvalid, err)
	}
	return build(cfg)
}

func build(cfg registryConfig) (*Registry, error) {
	reg := &Registry{types: make(map[string]*DocumentType, len(cfg.DocumentTypes))}
	for _, dc := range cfg.DocumentTypes {
		if _, dup := reg.types[dc.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate document type %q", common.ErrSchemaInvalid, dc.Name)
		}
		fields := make([]Field, 0, len(dc.Fields))
		for _, fc := range dc.Fields {
			f := Field{Name: fc.Name, Description: fc.Description, Aliases: fc.Aliases}
			if fc.Rule != nil {
				rule, err := buildRule(dc.Name, fc.Name, *fc.Rule)
				if err != nil {
					return nil, err
				}
				f.Rule = rule
				f.HasRule = true
			}
			fields = append(fields, f)
		}
		dt, err := NewDocumentType(dc.Name, dc.Description, fields)
		if err != nil {
			return nil, err
		}
		reg.types[dc.Name] = dt
	}
	return reg, nil
}

func buildRule(docType, field string, rc ruleConfig) (Rule, error) {
	ft, ok := constants.ParseFieldType(rc.Type)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s.%s: unknown type %q", common.ErrSchemaInvalid, docType, field, rc.Type)
	}
	r := Rule{
		Type:         ft,
		Min:          rc.Min,
		Max:          rc.Max,
		DecimalComma: true,
		Description:  rc.Description,
	}
	if rc.DecimalComma != nil {
		r.DecimalComma = *rc.DecimalComma
	}
	if rc.Pattern != "" {
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %s.%s: bad pattern: %v", common.ErrSchemaInvalid, docType, field, err)
		}
		r.Pattern = re
	}
	return r, nil
}

// NewRegistry builds a registry from already constructed document types.
func NewRegistry(types ...*DocumentType) (*Registry, error) {
	reg := &Registry{types: make(map[string]*DocumentType, len(types))}
	for _, t := range types {
		if _, dup := reg.types[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate document type %q", common.ErrSchemaInvalid, t.Name)
		}
		reg.types[t.Name] = t
	}
	return reg, nil
}

// Get returns the named document type or ErrUnknownDocumentType.
func (r *Registry) Get(name string) (*DocumentType, error) {
	dt, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownDocumentType, name)
	}
	return dt, nil
}

// Names returns the registered document types, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.types))
	for n := range r.types {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
