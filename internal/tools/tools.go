// Package tools is the fixed set of state mutations the reasoning engine
// may invoke, their parameter schemas, and the dispatch onto package state.
package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tatianab/referee/internal/llm"
	"github.com/tatianab/referee/internal/models"
	"github.com/tatianab/referee/internal/state"
)

// Version identifies this revision of the tool contract.
const Version = "1"

// Kind enumerates the registered operations.
type Kind int

const (
	KindUnknown Kind = iota
	KindUpdatePlayerHP
	KindApplyStatusEffect
	KindRemoveStatusEffect
	KindUpdatePlayerResource
	KindNextRound
)

var kindNames = map[Kind]string{
	KindUpdatePlayerHP:       "update_player_hp",
	KindApplyStatusEffect:    "apply_status_effect",
	KindRemoveStatusEffect:   "remove_status_effect",
	KindUpdatePlayerResource: "update_player_resource",
	KindNextRound:            "next_round",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseKind maps a tool name to its Kind, or KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// ParamType is a primitive JSON Schema type.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string
}

// Definition describes one tool offered to the engine.
type Definition struct {
	Kind        Kind
	Name        string
	Description string
	Params      []Param
}

// Definitions returns the tool set in a fixed order.
func Definitions() []Definition {
	return []Definition{
		{
			Kind:        KindUpdatePlayerHP,
			Name:        KindUpdatePlayerHP.String(),
			Description: "Change a player's HP. Use a negative delta for damage and a positive delta for healing.",
			Params: []Param{
				{Name: "player_name", Type: TypeString, Required: true, Description: "Name of the target player"},
				{Name: "delta", Type: TypeInteger, Required: true, Description: "HP change, negative for damage, positive for healing"},
				{Name: "reason", Type: TypeString, Required: true, Description: "Why the HP changes, citing the rule"},
			},
		},
		{
			Kind:        KindApplyStatusEffect,
			Name:        KindApplyStatusEffect.String(),
			Description: "Give a player a status effect such as Poison or Shield.",
			Params: []Param{
				{Name: "player_name", Type: TypeString, Required: true, Description: "Name of the target player"},
				{Name: "effect", Type: TypeString, Required: true, Description: "Name of the effect"},
			},
		},
		{
			Kind:        KindRemoveStatusEffect,
			Name:        KindRemoveStatusEffect.String(),
			Description: "Remove a status effect from a player.",
			Params: []Param{
				{Name: "player_name", Type: TypeString, Required: true, Description: "Name of the target player"},
				{Name: "effect", Type: TypeString, Required: true, Description: "Name of the effect to remove"},
			},
		},
		{
			Kind:        KindUpdatePlayerResource,
			Name:        KindUpdatePlayerResource.String(),
			Description: "Change a player's resource such as gold, wood or cards. Resources never go below zero.",
			Params: []Param{
				{Name: "player_name", Type: TypeString, Required: true, Description: "Name of the target player"},
				{Name: "resource_name", Type: TypeString, Required: true, Description: "Name of the resource"},
				{Name: "delta", Type: TypeInteger, Required: true, Description: "Amount to add, negative to spend"},
				{Name: "reason", Type: TypeString, Required: true, Description: "Why the resource changes"},
			},
		},
		{
			Kind:        KindNextRound,
			Name:        KindNextRound.String(),
			Description: "End the current player's turn and pass to the next player.",
			Params: []Param{
				{Name: "next_player", Type: TypeString, Description: "Player to act next; omit to follow turn order"},
			},
		},
	}
}

// Schema renders the definition's parameters as a JSON Schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Params))
	required := []string{}
	for _, p := range d.Params {
		props[p.Name] = map[string]any{
			"type":        string(p.Type),
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Registry validates and routes tool invocations.
type Registry struct {
	defs    []Definition
	schemas map[Kind]*jsonschema.Schema
}

// NewRegistry compiles the schema of every definition.
func NewRegistry() (*Registry, error) {
	defs := Definitions()
	r := &Registry{defs: defs, schemas: make(map[Kind]*jsonschema.Schema, len(defs))}
	for _, d := range defs {
		raw, err := json.Marshal(d.Schema())
		if err != nil {
			return nil, fmt.Errorf("encode schema %s: %w", d.Name, err)
		}
		compiled, err := jsonschema.CompileString(d.Name+".json", string(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", d.Name, err)
		}
		r.schemas[d.Kind] = compiled
	}
	return r, nil
}

// Definitions returns the registered definitions.
func (r *Registry) Definitions() []Definition {
	return append([]Definition(nil), r.defs...)
}

// Specs returns the tool contract in provider-neutral form.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, len(r.defs))
	for i, d := range r.defs {
		specs[i] = llm.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Schema()}
	}
	return specs
}

// Execute validates args against the tool schema and applies the mutation.
// Unknown tools and invalid arguments yield a failed Result, never an error.
func (r *Registry) Execute(s *models.GameState, name string, args map[string]any) (Kind, state.Result) {
	kind := ParseKind(name)
	if kind == KindUnknown {
		return kind, state.Failure("unknown tool: %s", name)
	}

	normalized, err := normalize(args)
	if err != nil {
		return kind, state.Failure("invalid arguments for %s: %v", name, err)
	}
	if err := r.schemas[kind].Validate(normalized); err != nil {
		return kind, state.Failure("invalid arguments for %s: %s", name, compactError(err))
	}
	a := arguments(normalized)

	switch kind {
	case KindUpdatePlayerHP:
		delta, err := a.integer("delta")
		if err != nil {
			return kind, state.Failure("invalid arguments for %s: %v", name, err)
		}
		return kind, state.UpdatePlayerHP(s, a.str("player_name"), delta, a.str("reason"))
	case KindApplyStatusEffect:
		return kind, state.ApplyStatusEffect(s, a.str("player_name"), a.str("effect"))
	case KindRemoveStatusEffect:
		return kind, state.RemoveStatusEffect(s, a.str("player_name"), a.str("effect"))
	case KindUpdatePlayerResource:
		delta, err := a.integer("delta")
		if err != nil {
			return kind, state.Failure("invalid arguments for %s: %v", name, err)
		}
		return kind, state.UpdatePlayerResource(s, a.str("player_name"), a.str("resource_name"), delta, a.str("reason"))
	case KindNextRound:
		return kind, state.NextRound(s, a.str("next_player"))
	default:
		return kind, state.Failure("unknown tool: %s", name)
	}
}

// normalize round-trips args through JSON so the validator and the
// accessors see exactly what a wire payload would carry.
func normalize(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

type arguments map[string]any

func (a arguments) str(key string) string {
	s, _ := a[key].(string)
	return s
}

func (a arguments) integer(key string) (int, error) {
	n, ok := a[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	v, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		if f > math.MaxInt || f < math.MinInt {
			return 0, fmt.Errorf("%s is out of range", key)
		}
		return int(f), nil
	}
	return int(v), nil
}

func compactError(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := strings.TrimPrefix(e.InstanceLocation, "/")
			if loc == "" {
				parts = append(parts, e.Message)
			} else {
				parts = append(parts, loc+": "+e.Message)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
