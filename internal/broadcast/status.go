package broadcast

func (e *Engine) track(st *JobStatus) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status[st.ID] = st
	e.order = append(e.order, st.ID)
	e.pruneLocked()
}

func (e *Engine) progress(id string, attempted, sent, failed int) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st := e.status[id]; st != nil {
		st.Attempted = attempted
		st.Sent = sent
		st.Failed = failed
	}
}

func (e *Engine) finish(id string) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if st := e.status[id]; st != nil {
		st.Running = false
		st.DoneAt = e.now()
	}
}

// pruneLocked drops the oldest finished jobs beyond statusMax. Running jobs are kept.
func (e *Engine) pruneLocked() {
	if len(e.order) <= e.statusMax {
		return
	}
	keep := e.order[:0]
	excess := len(e.order) - e.statusMax
	for _, id := range e.order {
		st := e.status[id]
		if excess > 0 && st != nil && !st.Running {
			delete(e.status, id)
			excess--
			continue
		}
		keep = append(keep, id)
	}
	e.order = keep
}

// Running returns copies of the jobs still in progress, oldest first.
func (e *Engine) Running() []JobStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	var out []JobStatus
	for _, id := range e.order {
		if st := e.status[id]; st != nil && st.Running {
			out = append(out, *st)
		}
	}
	return out
}
