package mcprouter

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vikashloomba/mcp-router-go/pkg/registry"
)

// Adder outcome statuses, machine-readable in the tool result payload.
const (
	statusAdded          = "added"
	statusAlreadyActive  = "already-active"
	statusUnknownServer  = "unknown-server"
	statusNeedsArguments = "needs-arguments"
	statusNeedsAuth      = "needs-auth"
)

// addOutcome is the structured result of one add attempt. Message carries
// the human guidance; the remaining fields let an agent act without
// parsing prose.
type addOutcome struct {
	Status       string                         `json:"status"`
	Server       string                         `json:"server"`
	Message      string                         `json:"message"`
	KnownServers []string                       `json:"knownServers,omitempty"`
	Arguments    []registry.ArgumentRequirement `json:"arguments,omitempty"`
	Auth         []registry.AuthRequirement     `json:"auth,omitempty"`
	ToolCount    int                            `json:"toolCount,omitempty"`
	Tools        []string                       `json:"tools,omitempty"`
}

func (o *addOutcome) failed() bool { return o.Status != statusAdded && o.Status != statusAlreadyActive }

// adder validates catalog candidates and admits them into the active set.
type adder struct {
	r *Router
}

func newAdder(r *Router) *adder { return &adder{r: r} }

// add runs the full validation pipeline for one catalogued server: catalog
// lookup, already-active short circuit, required-argument check, auth
// check, then admission. Validation failures never touch the active set.
func (a *adder) add(ctx context.Context, name string, userArgs map[string]string) (*addOutcome, error) {
	entry, err := a.r.registry.Lookup(name)
	if err != nil {
		known, kerr := a.r.registry.KnownNames()
		if kerr != nil {
			a.r.opts.Logger.Warn("known-names listing failed", "err", kerr)
		}
		return &addOutcome{
			Status:       statusUnknownServer,
			Server:       name,
			Message:      fmt.Sprintf("no catalog entry for %q; known servers: %s", name, strings.Join(known, ", ")),
			KnownServers: known,
		}, nil
	}

	if a.r.active.Touch(name) {
		return &addOutcome{
			Status:  statusAlreadyActive,
			Server:  name,
			Message: fmt.Sprintf("%q is already connected and has been marked most recently used", name),
		}, nil
	}

	if missing := missingArguments(entry, userArgs); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = m.Name
		}
		return &addOutcome{
			Status:    statusNeedsArguments,
			Server:    name,
			Message:   fmt.Sprintf("%q requires arguments before it can start: %s. Call add_new_mcp again with the \"arguments\" object filled in.", name, strings.Join(names, ", ")),
			Arguments: missing,
		}, nil
	}

	if unmet := a.r.registry.UnsatisfiedAuth(entry); len(unmet) > 0 {
		names := make([]string, len(unmet))
		for i, u := range unmet {
			names[i] = u.Name
		}
		return &addOutcome{
			Status:  statusNeedsAuth,
			Server:  name,
			Message: fmt.Sprintf("%q requires credentials before it can start: %s. Store them with the store-auth command, then retry.", name, strings.Join(names, ", ")),
			Auth:    unmet,
		}, nil
	}

	cfg := entry.LaunchConfig(spliceArgs(entry, userArgs), a.r.registry.ResolvedEnv(entry))
	client, err := a.r.active.Admit(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", name, err)
	}

	outcome := &addOutcome{
		Status: statusAdded,
		Server: name,
	}
	listCtx, cancel := context.WithTimeout(ctx, a.r.opts.CallTimeout)
	defer cancel()
	if res, err := client.ListTools(listCtx, nil); err == nil {
		for _, tool := range res.Tools {
			outcome.Tools = append(outcome.Tools, tool.Name)
		}
		outcome.ToolCount = len(outcome.Tools)
		outcome.Message = fmt.Sprintf("%q connected with %d tools: %s", name, outcome.ToolCount, strings.Join(outcome.Tools, ", "))
	} else {
		a.r.opts.Logger.Warn("post-admit tools/list failed", "server", name, "err", err)
		outcome.Message = fmt.Sprintf("%q connected; its tool listing is not yet available", name)
	}
	return outcome, nil
}

// admitKnown is the recover-on-miss path used by the dispatcher when a
// routed call names a tool the catalog attributes to an inactive server.
// It runs the same validation as add but reports requirement gaps as
// errors instead of structured outcomes.
func (a *adder) admitKnown(ctx context.Context, name string) error {
	outcome, err := a.add(ctx, name, nil)
	if err != nil {
		return err
	}
	if outcome.failed() {
		return fmt.Errorf("%s: %s", outcome.Status, outcome.Message)
	}
	return nil
}

// missingArguments returns the required argument specs absent from
// userArgs, ordered by declared position.
func missingArguments(entry *registry.CatalogEntry, userArgs map[string]string) []registry.ArgumentRequirement {
	var missing []registry.ArgumentRequirement
	for _, req := range entry.ArgumentRequirements {
		if !req.Required {
			continue
		}
		if v, ok := userArgs[req.Name]; ok && v != "" {
			continue
		}
		missing = append(missing, req)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Position < missing[j].Position })
	return missing
}

// spliceArgs inserts user-supplied argument values into the static launch
// args at their declared positions. Positions index the final argv, so
// insertions run in ascending position order. Values for positions past
// the end are appended.
func spliceArgs(entry *registry.CatalogEntry, userArgs map[string]string) []string {
	static := entry.StaticArgs
	if static == nil {
		static = entry.Args
	}
	args := append([]string(nil), static...)
	if len(userArgs) == 0 {
		return args
	}

	reqs := append([]registry.ArgumentRequirement(nil), entry.ArgumentRequirements...)
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Position < reqs[j].Position })
	for _, req := range reqs {
		value, ok := userArgs[req.Name]
		if !ok || value == "" {
			continue
		}
		pos := req.Position
		if pos < 0 || pos >= len(args) {
			args = append(args, value)
			continue
		}
		args = append(args[:pos], append([]string{value}, args[pos:]...)...)
	}
	return args
}
