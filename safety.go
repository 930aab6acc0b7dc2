// safety.go: Registration-time safety policy with an argus audit trail
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"sort"
	"sync"

	"github.com/agilira/argus"
)

// SafetyVerdict is the outcome of a safety evaluation.
type SafetyVerdict struct {
	Safe    bool     `json:"safe"`
	Reasons []string `json:"reasons,omitempty"`
}

// SafetyPolicy decides whether a plugin may be registered.
type SafetyPolicy interface {
	Evaluate(manifest Manifest) SafetyVerdict
}

// SafetyPolicyFunc adapts a function to SafetyPolicy.
type SafetyPolicyFunc func(manifest Manifest) SafetyVerdict

func (f SafetyPolicyFunc) Evaluate(manifest Manifest) SafetyVerdict { return f(manifest) }

// PermissionPolicy marks a plugin unsafe when it requests a permission outside
// the allow list or has a kind outside the allowed kinds. An empty list
// allows everything.
type PermissionPolicy struct {
	allowedPermissions map[string]struct{}
	allowedKinds       map[Kind]struct{}

	mu          sync.Mutex
	auditLogger *argus.AuditLogger
	logger      Logger
}

// NewPermissionPolicy builds the policy described by config. When auditing is
// enabled every verdict is written to the argus audit trail.
func NewPermissionPolicy(config SecurityConfig, logger any) (*PermissionPolicy, error) {
	p := &PermissionPolicy{
		allowedPermissions: make(map[string]struct{}, len(config.AllowedPermissions)),
		allowedKinds:       make(map[Kind]struct{}, len(config.AllowedKinds)),
		logger:             NewLogger(logger),
	}
	for _, perm := range config.AllowedPermissions {
		p.allowedPermissions[perm] = struct{}{}
	}
	for _, name := range config.AllowedKinds {
		kind, ok := ParseKind(name)
		if !ok {
			return nil, NewConfigValidationError("unknown plugin kind: "+name, nil)
		}
		p.allowedKinds[kind] = struct{}{}
	}

	if config.Audit.Enabled {
		auditor, err := argus.NewAuditLogger(argus.AuditConfig{
			Enabled:       true,
			OutputFile:    config.Audit.OutputFile,
			MinLevel:      argus.AuditInfo,
			BufferSize:    config.Audit.BufferSize,
			FlushInterval: config.Audit.FlushInterval,
		})
		if err != nil {
			return nil, NewAuditError("failed to create audit logger", err)
		}
		p.auditLogger = auditor
		p.logger.Info("Security audit logging enabled", "file", config.Audit.OutputFile)
	}
	return p, nil
}

// Evaluate implements SafetyPolicy.
func (p *PermissionPolicy) Evaluate(manifest Manifest) SafetyVerdict {
	verdict := SafetyVerdict{Safe: true}

	if len(p.allowedKinds) > 0 {
		if _, ok := p.allowedKinds[manifest.Kind]; !ok {
			verdict.Reasons = append(verdict.Reasons, "kind not allowed: "+manifest.Kind.String())
		}
	}
	if len(p.allowedPermissions) > 0 {
		for _, perm := range manifest.Permissions {
			if _, ok := p.allowedPermissions[perm]; !ok {
				verdict.Reasons = append(verdict.Reasons, "permission not allowed: "+perm)
			}
		}
	}
	sort.Strings(verdict.Reasons)
	verdict.Safe = len(verdict.Reasons) == 0

	p.audit(manifest, verdict)
	return verdict
}

func (p *PermissionPolicy) audit(manifest Manifest, verdict SafetyVerdict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auditLogger == nil {
		return
	}

	eventType := "plugin_authorized"
	if !verdict.Safe {
		eventType = "plugin_rejected"
	}
	p.auditLogger.LogSecurityEvent(eventType, "Plugin safety evaluation", map[string]interface{}{
		"plugin_id":   manifest.ID,
		"version":     manifest.Version,
		"kind":        manifest.Kind.String(),
		"permissions": manifest.Permissions,
		"reasons":     verdict.Reasons,
	})
}

// Close flushes and closes the audit trail.
func (p *PermissionPolicy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auditLogger == nil {
		return nil
	}
	err := p.auditLogger.Close()
	p.auditLogger = nil
	if err != nil {
		return NewAuditError("failed to close audit logger", err)
	}
	return nil
}

// grantedPermissions intersects what a plugin requests with what the host
// grants. An empty host grant list grants every requested permission.
func grantedPermissions(requested, granted []string) []string {
	if len(granted) == 0 {
		return append([]string(nil), requested...)
	}
	allowed := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		allowed[g] = struct{}{}
	}
	var out []string
	for _, r := range requested {
		if _, ok := allowed[r]; ok {
			out = append(out, r)
		}
	}
	return out
}
