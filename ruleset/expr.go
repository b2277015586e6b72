package ruleset

import (
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/conf"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/apernet/corevpn/ruleset/builtins"
)

// ExprRule is the external representation of an expression rule.
type ExprRule struct {
	Name   string `yaml:"name"`
	Action string `yaml:"action"`
	Log    bool   `yaml:"log"`
	Expr   string `yaml:"expr"`
}

func ExprRulesFromYAML(file string) ([]ExprRule, error) {
	bs, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var rules []ExprRule
	err = yaml.Unmarshal(bs, &rules)
	return rules, err
}

// compiledExprRule is the internal, compiled representation of an expression rule.
type compiledExprRule struct {
	Name    string
	Action  *Action // fallthrough if nil
	Log     bool
	Program *vm.Program
}

var _ Ruleset = (*exprRuleset)(nil)

type exprRuleset struct {
	Rules  []compiledExprRule
	Logger Logger
}

func (r *exprRuleset) Match(info PeerInfo) (MatchResult, error) {
	env := peerInfoToExprEnv(info)
	for _, rule := range r.Rules {
		v, err := vm.Run(rule.Program, env)
		if err != nil {
			if r.Logger != nil {
				r.Logger.MatchError(info, rule.Name, err)
			}
			return MatchResult{Action: ActionMaybe}, fmt.Errorf("rule %q failed to run: %w", rule.Name, err)
		}
		if vBool, ok := v.(bool); ok && vBool {
			if rule.Log && r.Logger != nil {
				r.Logger.Log(info, rule.Name)
			}
			if rule.Action != nil {
				return MatchResult{Action: *rule.Action, Rule: rule.Name}, nil
			}
		}
	}
	return MatchResult{Action: ActionMaybe}, nil
}

// CompileExprRules compiles a list of expression rules into a ruleset.
// It returns an error if any of the rules are invalid or refer to an
// unknown identifier.
func CompileExprRules(rules []ExprRule, config *BuiltinConfig) (Ruleset, error) {
	var compiledRules []compiledExprRule
	for _, rule := range rules {
		if rule.Action == "" && !rule.Log {
			return nil, fmt.Errorf("rule %q must have at least one of action or log", rule.Name)
		}
		var action *Action
		if rule.Action != "" {
			a, ok := actionStringToAction(rule.Action)
			if !ok {
				return nil, fmt.Errorf("rule %q has invalid action %q", rule.Name, rule.Action)
			}
			action = &a
		}
		visitor := &idVisitor{Identifiers: make(map[string]bool)}
		patcher := &idPatcher{}
		program, err := expr.Compile(rule.Expr,
			func(c *conf.Config) {
				c.Strict = false
				c.Expect = reflect.Bool
				c.Visitors = append(c.Visitors, visitor, patcher)
				registerBuiltinFunctions(c.Functions)
			},
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q has invalid expression: %w", rule.Name, err)
		}
		if patcher.err != nil {
			return nil, fmt.Errorf("rule %q failed to patch expression: %w", rule.Name, patcher.err)
		}
		for name := range visitor.Identifiers {
			if !isBuiltInIdentifier(name) {
				return nil, fmt.Errorf("rule %q uses unknown identifier %q", rule.Name, name)
			}
		}
		compiledRules = append(compiledRules, compiledExprRule{
			Name:    rule.Name,
			Action:  action,
			Log:     rule.Log,
			Program: program,
		})
	}
	rs := &exprRuleset{Rules: compiledRules}
	if config != nil {
		rs.Logger = config.Logger
	}
	return rs, nil
}

func registerBuiltinFunctions(funcMap map[string]*ast.Function) {
	funcMap["cidr"] = &ast.Function{
		Name: "cidr",
		Func: func(params ...any) (any, error) {
			return builtins.MatchCIDR(params[0].(string), params[1].(netip.Prefix)), nil
		},
		Types: []reflect.Type{reflect.TypeOf((func(string, string) bool)(nil)), reflect.TypeOf(builtins.MatchCIDR)},
	}
}

func peerInfoToExprEnv(info PeerInfo) map[string]interface{} {
	return map[string]interface{}{
		"ip":         info.Addr.Addr().Unmap().String(),
		"port":       int(info.Addr.Port()),
		"addr":       info.AddrString(),
		"opcode":     info.Opcode.String(),
		"key_id":     int(info.KeyID),
		"session_id": info.SessionID.String(),
		"sessions":   info.Sessions,
	}
}

func isBuiltInIdentifier(name string) bool {
	switch name {
	case "ip", "port", "addr", "opcode", "key_id", "session_id", "sessions", "cidr":
		return true
	default:
		return false
	}
}

func actionStringToAction(action string) (Action, bool) {
	switch strings.ToLower(action) {
	case "allow":
		return ActionAllow, true
	case "block":
		return ActionBlock, true
	default:
		return ActionMaybe, false
	}
}

type idVisitor struct {
	Identifiers map[string]bool
}

func (v *idVisitor) Visit(node *ast.Node) {
	if idNode, ok := (*node).(*ast.IdentifierNode); ok {
		v.Identifiers[idNode.Value] = true
	}
}

type idPatcher struct {
	err error
}

func (p *idPatcher) Visit(node *ast.Node) {
	callNode, ok := (*node).(*ast.CallNode)
	if !ok || callNode.Func == nil || callNode.Func.Name != "cidr" || len(callNode.Arguments) != 2 {
		return
	}
	cidrStringNode, ok := callNode.Arguments[1].(*ast.StringNode)
	if !ok {
		return
	}
	cidr, err := builtins.CompileCIDR(cidrStringNode.Value)
	if err != nil {
		p.err = err
		return
	}
	callNode.Arguments[1] = &ast.ConstantNode{Value: cidr}
}
