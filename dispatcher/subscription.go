package dispatcher

type Subscription interface {
	Unsubscribe()
}

type subs struct {
	dispatcher *Dispatcher
	msgType    string
	handler    any
}

// Unsubscribe removes the handler if it is still the registered one.
func (s *subs) Unsubscribe() {
	d := s.dispatcher
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.handlers[s.msgType]; ok && current == s.handler {
		delete(d.handlers, s.msgType)
	}
}
