package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile models the optional --policy YAML document.
//
//	protected_names: [trunk]
//	protected_prefixes: [env/]
//	approvers: [alice, bob]
//	require_backup: true
type PolicyFile struct {
	ProtectedNames    []string `yaml:"protected_names"`
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
	Approvers         []string `yaml:"approvers"`
	RequireBackup     *bool    `yaml:"require_backup"`
}

// LoadPolicyFile reads and decodes a policy file. Unknown keys are rejected so
// a typo cannot silently drop a protection rule.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("policy file %s not found", path)
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return PolicyFromYAML(raw)
}

// PolicyFromYAML decodes a policy document.
func PolicyFromYAML(raw []byte) (*PolicyFile, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		if errors.Is(err, io.EOF) {
			return &pf, nil
		}
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return &pf, nil
}

// ApplyPolicyFile merges a loaded policy into the config. Lists extend what
// flags already set; require_backup overrides only when present.
func (c *Config) ApplyPolicyFile(pf *PolicyFile) {
	if pf == nil {
		return
	}
	c.Policy.ProtectedNames = append(c.Policy.ProtectedNames, pf.ProtectedNames...)
	c.Policy.ProtectedPrefixes = append(c.Policy.ProtectedPrefixes, pf.ProtectedPrefixes...)
	c.Approval.Approvers = append(c.Approval.Approvers, pf.Approvers...)
	if pf.RequireBackup != nil {
		c.Policy.RequireBackup = *pf.RequireBackup
	}
}

// LoadPolicy applies c.Policy.File when set. It must run before Validate.
func (c *Config) LoadPolicy() error {
	if c.Policy.File == "" {
		return nil
	}
	pf, err := LoadPolicyFile(c.Policy.File)
	if err != nil {
		return err
	}
	c.ApplyPolicyFile(pf)
	return nil
}
