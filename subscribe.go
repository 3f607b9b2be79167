package kvdoc

// Subscriber receives (path, new_value, old_value) after a matching
// mutation's WAL append has returned, in LSN order.
type Subscriber func(path string, newValue, oldValue *Value)

// BeforeHook may rewrite the incoming value of a matching mutation. It
// runs inside the write-lock section and must not call back into the
// engine.
type BeforeHook func(path string, value *Value) (*Value, error)

// AfterHook observes a matching mutation after it has been applied and
// published; its return value is ignored.
type AfterHook func(path string, newValue, oldValue *Value)

type subscription struct {
	pattern string
	fn      Subscriber
}

type beforeEntry struct {
	method  string
	pattern string
	fn      BeforeHook
}

type afterEntry struct {
	method  string
	pattern string
	fn      AfterHook
}

// Subscribe registers fn to be notified of every mutation whose path
// matches pattern ("*" one segment, "**" any remaining segments).
func (e *Engine) Subscribe(pattern string, fn Subscriber) {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	e.subscribers = append(e.subscribers, subscription{pattern: pattern, fn: fn})
}

// Before registers fn to run, inside the write lock, before any
// mutation of the given method ("" matches every method) whose path
// matches pattern. fn may return a rewritten value, or an error to
// abort the mutation before it touches the tree.
func (e *Engine) Before(method, pattern string, fn BeforeHook) {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	e.beforeHooks = append(e.beforeHooks, beforeEntry{method: method, pattern: pattern, fn: fn})
}

// After registers fn to run, inside the write lock, once a matching
// mutation has been applied and published.
func (e *Engine) After(method, pattern string, fn AfterHook) {
	e.writeLock.Lock()
	defer e.writeLock.Unlock()
	e.afterHooks = append(e.afterHooks, afterEntry{method: method, pattern: pattern, fn: fn})
}

// notifyLocked runs after-hooks then subscribers for one mutation. The
// caller must already hold writeLock.
func (e *Engine) notifyLocked(method, path string, newValue, oldValue *Value) {
	for _, a := range e.afterHooks {
		if a.method != "" && a.method != method {
			continue
		}
		if !wildcardMatch(a.pattern, path) {
			continue
		}
		a.fn(path, newValue, oldValue)
	}
	for _, s := range e.subscribers {
		if !wildcardMatch(s.pattern, path) {
			continue
		}
		s.fn(path, newValue, oldValue)
	}
}
