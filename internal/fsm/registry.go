package fsm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/sandboxd/pkg/observability"
)

// Config bounds a Registry's size and controls optional persistence.
type Config struct {
	MaxStates           int
	MaxTransitions      int
	DefaultStateTimeout time.Duration
	PersistenceEnabled  bool
	PersistencePath     string
}

// Registry owns the shared state/transition graph and the set of running
// instances, mirroring fsm.rs's StateMachine. States and transitions are
// append-only after startup (RWMutex); instances are mutated per-request
// (plain Mutex, short critical sections).
type Registry struct {
	config Config

	statesMu sync.RWMutex
	states   map[string]State

	transitionsMu sync.RWMutex
	transitions   map[string][]Transition

	instancesMu sync.Mutex
	instances   map[string]*Instance
	timers      map[string]*time.Timer

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRegistry creates an empty registry. Call LoadDefaultGraph to populate
// it with the standard agent-execution states and transitions.
func NewRegistry(config Config, logger observability.Logger, metrics observability.MetricsClient) (*Registry, error) {
	if config.MaxStates <= 0 {
		config.MaxStates = 1000
	}
	if config.MaxTransitions <= 0 {
		config.MaxTransitions = 10000
	}

	if config.PersistenceEnabled {
		if err := os.MkdirAll(config.PersistencePath, 0o755); err != nil {
			return nil, fmt.Errorf("create fsm persistence directory: %w", err)
		}
	}

	return &Registry{
		config:      config,
		states:      make(map[string]State),
		transitions: make(map[string][]Transition),
		instances:   make(map[string]*Instance),
		timers:      make(map[string]*time.Timer),
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// AddStates registers states, rejecting the whole batch (no partial
// mutation) if it would push the registry past MaxStates.
func (r *Registry) AddStates(states []State) error {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()

	if len(r.states)+len(states) > r.config.MaxStates {
		return &LimitExceededError{Resource: "states", Limit: r.config.MaxStates}
	}
	for _, s := range states {
		r.states[s.ID] = s
	}
	return nil
}

// AddTransitions registers transitions, rejecting the whole batch if it
// would push the registry past MaxTransitions.
func (r *Registry) AddTransitions(transitions []Transition) error {
	r.transitionsMu.Lock()
	defer r.transitionsMu.Unlock()

	total := 0
	for _, v := range r.transitions {
		total += len(v)
	}
	if total+len(transitions) > r.config.MaxTransitions {
		return &LimitExceededError{Resource: "transitions", Limit: r.config.MaxTransitions}
	}
	for _, t := range transitions {
		r.transitions[t.FromState] = append(r.transitions[t.FromState], t)
	}
	return nil
}

// LoadDefaultGraph installs the standard agent-execution graph: a linear
// happy path plus wildcard error/timeout transitions to "failed",
// reproduced from fsm.rs's initialize_default_fsm.
func (r *Registry) LoadDefaultGraph() error {
	d := func(seconds int) *time.Duration {
		t := time.Duration(seconds) * time.Second
		return &t
	}

	states := []State{
		{ID: "initial", Name: "Initial", Type: StateInitial, EntryActions: []Action{LogAction("Agent execution started")}, Timeout: d(30), Metadata: map[string]string{}},
		{ID: "analyzing", Name: "Analyzing Task", Type: StateProcessing, EntryActions: []Action{LogAction("Starting task analysis")}, Timeout: d(60), Metadata: map[string]string{}},
		{ID: "planning", Name: "Planning Execution", Type: StateProcessing, EntryActions: []Action{LogAction("Planning execution strategy")}, Timeout: d(45), Metadata: map[string]string{}},
		{ID: "executing", Name: "Executing Task", Type: StateProcessing, EntryActions: []Action{LogAction("Executing task")}, Timeout: d(300), Metadata: map[string]string{}},
		{ID: "validating", Name: "Validating Results", Type: StateProcessing, EntryActions: []Action{LogAction("Validating execution results")}, Timeout: d(30), Metadata: map[string]string{}},
		{ID: "completed", Name: "Completed", Type: StateTerminal, EntryActions: []Action{LogAction("Task completed successfully")}, Metadata: map[string]string{}},
		{ID: "failed", Name: "Failed", Type: StateError, EntryActions: []Action{LogAction("Task execution failed")}, Metadata: map[string]string{}},
	}

	transitions := []Transition{
		{ID: "init_to_analyzing", FromState: "initial", ToState: "analyzing", Condition: Always(), Priority: 1},
		{ID: "analyzing_to_planning", FromState: "analyzing", ToState: "planning", Condition: OnSuccess(), Priority: 1},
		{ID: "planning_to_executing", FromState: "planning", ToState: "executing", Condition: OnSuccess(), Priority: 1},
		{ID: "executing_to_validating", FromState: "executing", ToState: "validating", Condition: OnSuccess(), Priority: 1},
		{ID: "validating_to_completed", FromState: "validating", ToState: "completed", Condition: OnSuccess(), Priority: 1},
		{ID: "any_to_failed", FromState: WildcardState, ToState: "failed", Condition: OnError(), Actions: []Action{LogAction("Transitioning to failed state")}, Priority: 10},
		{ID: "timeout_to_failed", FromState: WildcardState, ToState: "failed", Condition: OnTimeout(), Actions: []Action{LogAction("State timeout occurred")}, Priority: 9},
	}

	if err := r.AddStates(states); err != nil {
		return err
	}
	return r.AddTransitions(transitions)
}

// CreateInstance starts a new instance in the "initial" state, running its
// entry actions and arming its timeout timer if one is configured.
func (r *Registry) CreateInstance(initial InstanceContext) (string, error) {
	instanceID := uuid.NewString()

	instance := &Instance{
		ID:              instanceID,
		CurrentState:    "initial",
		Context:         initial,
		CreatedAt:       time.Now(),
		LastTransition:  time.Now(),
		Status:          InstanceRunning,
	}

	r.instancesMu.Lock()
	r.instances[instanceID] = instance
	r.instancesMu.Unlock()

	if r.logger != nil {
		r.logger.Info("created fsm instance", map[string]interface{}{"instance_id": instanceID})
	}

	r.runEntryActions(instanceID, "initial")
	r.armTimeout(instanceID, "initial")
	r.persist(instance)

	if r.metrics != nil {
		r.metrics.RecordGauge("fsm_instances_active", float64(r.activeInstanceCount()), nil)
	}

	return instanceID, nil
}

func (r *Registry) activeInstanceCount() int {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()
	return len(r.instances)
}

// TriggerEvent records event on the instance and evaluates transitions out
// of its current state. Terminal and error states accept no further events:
// the trigger is a no-op once an instance has reached one, so a stray
// "error" or "timeout" event firing a wildcard transition can't re-mutate
// an already-finished instance.
func (r *Registry) TriggerEvent(instanceID string, event Event) error {
	r.instancesMu.Lock()
	instance, ok := r.instances[instanceID]
	if !ok {
		r.instancesMu.Unlock()
		return &NotFoundError{InstanceID: instanceID}
	}
	instance.Context.Events = append(instance.Context.Events, event)
	currentState := instance.CurrentState
	r.instancesMu.Unlock()

	r.statesMu.RLock()
	state, known := r.states[currentState]
	r.statesMu.RUnlock()
	if known && (state.Type == StateTerminal || state.Type == StateError) {
		return nil
	}

	return r.checkTransitions(instanceID, currentState, &event)
}

// checkTransitions gathers transitions from the current state and the
// wildcard bucket, sorts by priority descending, and fires the first whose
// condition evaluates true.
func (r *Registry) checkTransitions(instanceID, currentState string, event *Event) error {
	r.transitionsMu.RLock()
	var applicable []Transition
	applicable = append(applicable, r.transitions[currentState]...)
	applicable = append(applicable, r.transitions[WildcardState]...)
	r.transitionsMu.RUnlock()

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Priority > applicable[j].Priority
	})

	for _, t := range applicable {
		if r.evaluateCondition(t.Condition, event) {
			return r.executeTransition(instanceID, t)
		}
	}
	return nil
}

func (r *Registry) evaluateCondition(c TransitionCondition, event *Event) bool {
	switch c.Kind {
	case ConditionAlways:
		return true
	case ConditionOnEvent:
		return event != nil && event.Type == c.EventType
	case ConditionOnSuccess:
		return event != nil && event.Type == "success"
	case ConditionOnError:
		return event != nil && event.Type == "error"
	case ConditionOnTimeout:
		return event != nil && event.Type == "timeout"
	case ConditionOnCondition, ConditionCustom:
		// Expression/handler evaluation is left unimplemented, matching
		// fsm.rs's evaluator which always returns false for these kinds.
		return false
	default:
		return false
	}
}

func (r *Registry) executeTransition(instanceID string, t Transition) error {
	start := time.Now()

	r.runExitActions(instanceID, t.FromState)
	for _, a := range t.Actions {
		r.runAction(instanceID, a)
	}

	r.instancesMu.Lock()
	instance, ok := r.instances[instanceID]
	if !ok {
		r.instancesMu.Unlock()
		return &NotFoundError{InstanceID: instanceID}
	}

	timeInState := time.Since(instance.LastTransition)
	fromState := instance.CurrentState

	instance.Context.ExecutionHistory = append(instance.Context.ExecutionHistory, TransitionRecord{
		FromState:    t.FromState,
		ToState:      t.ToState,
		TransitionID: t.ID,
		Timestamp:    time.Now(),
		Duration:     time.Since(start),
		Success:      true,
	})
	instance.CurrentState = t.ToState
	instance.LastTransition = time.Now()
	instance.TransitionCount++

	r.statesMu.RLock()
	if target, ok := r.states[t.ToState]; ok {
		if target.Type == StateTerminal {
			instance.Status = InstanceCompleted
		} else if target.Type == StateError {
			instance.Status = InstanceFailed
		}
	}
	r.statesMu.RUnlock()

	r.instancesMu.Unlock()

	r.cancelTimeout(instanceID)
	r.runEntryActions(instanceID, t.ToState)
	r.armTimeout(instanceID, t.ToState)
	r.persist(instance)

	if r.metrics != nil {
		r.metrics.IncrementCounterWithLabels("fsm_transitions_total", 1, map[string]string{"from": t.FromState, "to": t.ToState})
		r.metrics.RecordHistogram("fsm_state_duration_seconds", timeInState.Seconds(), map[string]string{"state": fromState})
	}

	return nil
}

func (r *Registry) runEntryActions(instanceID, stateID string) {
	r.statesMu.RLock()
	state, ok := r.states[stateID]
	r.statesMu.RUnlock()
	if !ok {
		return
	}
	for _, a := range state.EntryActions {
		r.runAction(instanceID, a)
	}
}

func (r *Registry) runExitActions(instanceID, stateID string) {
	r.statesMu.RLock()
	state, ok := r.states[stateID]
	r.statesMu.RUnlock()
	if !ok {
		return
	}
	for _, a := range state.ExitActions {
		r.runAction(instanceID, a)
	}
}

// runAction executes a single action. Only Log and SetVariable have
// concrete effects here; CallFunction/SendEvent/UpdateMetrics/Custom are
// logged at debug level, matching fsm.rs where those branches are
// placeholders with no registered handler.
func (r *Registry) runAction(instanceID string, a Action) {
	switch a.Kind {
	case ActionLog:
		if r.logger != nil {
			r.logger.Info(fmt.Sprintf("fsm[%s]: %s", instanceID, a.Message), nil)
		}
	case ActionSetVariable:
		r.instancesMu.Lock()
		if instance, ok := r.instances[instanceID]; ok {
			instance.Context.Variables[a.Key] = a.Value
		}
		r.instancesMu.Unlock()
	default:
		if r.logger != nil {
			r.logger.Debug("fsm action not wired to a handler", map[string]interface{}{"instance_id": instanceID, "kind": int(a.Kind)})
		}
	}
}

// armTimeout schedules a synthetic "timeout" event if stateID has a
// Timeout configured, per the OnTimeout decision recorded in DESIGN.md.
func (r *Registry) armTimeout(instanceID, stateID string) {
	r.statesMu.RLock()
	state, ok := r.states[stateID]
	r.statesMu.RUnlock()
	if !ok || state.Timeout == nil {
		return
	}

	timer := time.AfterFunc(*state.Timeout, func() {
		_ = r.TriggerEvent(instanceID, Event{
			ID:        uuid.NewString(),
			Type:      "timeout",
			Timestamp: time.Now(),
		})
	})

	r.instancesMu.Lock()
	r.timers[instanceID] = timer
	r.instancesMu.Unlock()
}

func (r *Registry) cancelTimeout(instanceID string) {
	r.instancesMu.Lock()
	timer, ok := r.timers[instanceID]
	if ok {
		delete(r.timers, instanceID)
	}
	r.instancesMu.Unlock()
	if ok {
		timer.Stop()
	}
}

// persist writes a best-effort JSON snapshot of instance when persistence
// is enabled. Failures are logged, never returned: this mirrors spec §7's
// treatment of audit-log write failures.
func (r *Registry) persist(instance *Instance) {
	if !r.config.PersistenceEnabled {
		return
	}
	path := filepath.Join(r.config.PersistencePath, instance.ID+".json")
	data, err := json.Marshal(instance)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("failed to marshal fsm instance for persistence", map[string]interface{}{"instance_id": instance.ID, "error": err.Error()})
		}
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil && r.logger != nil {
		r.logger.Warn("failed to persist fsm instance", map[string]interface{}{"instance_id": instance.ID, "error": err.Error()})
	}
}

// GetInstance returns a copy of the instance's current state.
func (r *Registry) GetInstance(instanceID string) (Instance, error) {
	r.instancesMu.Lock()
	defer r.instancesMu.Unlock()

	instance, ok := r.instances[instanceID]
	if !ok {
		return Instance{}, &NotFoundError{InstanceID: instanceID}
	}
	return *instance, nil
}

// CompleteInstance removes instanceID from the registry and returns a
// terminal summary, canceling any outstanding timeout timer.
func (r *Registry) CompleteInstance(instanceID string) (Result, error) {
	r.cancelTimeout(instanceID)

	r.instancesMu.Lock()
	instance, ok := r.instances[instanceID]
	if !ok {
		r.instancesMu.Unlock()
		return Result{}, &NotFoundError{InstanceID: instanceID}
	}
	delete(r.instances, instanceID)
	r.instancesMu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordGauge("fsm_instances_active", float64(r.activeInstanceCount()), nil)
	}

	return Result{
		InstanceID:      instance.ID,
		FinalState:      instance.CurrentState,
		Status:          instance.Status,
		ExecutionTime:   time.Since(instance.CreatedAt),
		TransitionCount: instance.TransitionCount,
		Context:         instance.Context,
	}, nil
}

// Stats reports the registry's current size and load.
func (r *Registry) Stats() Stats {
	r.instancesMu.Lock()
	activeInstances := len(r.instances)
	r.instancesMu.Unlock()

	r.statesMu.RLock()
	totalStates := len(r.states)
	r.statesMu.RUnlock()

	r.transitionsMu.RLock()
	totalTransitions := 0
	for _, v := range r.transitions {
		totalTransitions += len(v)
	}
	r.transitionsMu.RUnlock()

	return Stats{
		ActiveInstances:  activeInstances,
		TotalStates:      totalStates,
		TotalTransitions: totalTransitions,
		MaxStates:        r.config.MaxStates,
		MaxTransitions:   r.config.MaxTransitions,
	}
}
