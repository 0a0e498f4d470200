package transcript

// AppendUser appends a user message cell.
func (r Reducer) AppendUser(rt Runtime, text string) Runtime {
	next := rt.Clone()
	c := r.cell(KindUser, text)
	c.TurnID = rt.TurnID
	next.Cells = append(next.Cells, c)
	return next
}

// AppendStatus appends an informational cell.
func (r Reducer) AppendStatus(rt Runtime, text string) Runtime {
	next := rt.Clone()
	next.Cells = append(next.Cells, r.cell(KindStatus, text))
	return next
}

// AppendError appends an error cell.
func (r Reducer) AppendError(rt Runtime, text string) Runtime {
	next := rt.Clone()
	next.Cells = append(next.Cells, r.cell(KindError, text))
	return next
}

// SetTurn marks turnID as the active turn. An empty id clears it.
func SetTurn(rt Runtime, turnID string) Runtime {
	next := rt.Clone()
	next.TurnID = turnID
	return next
}

// ResolveApproval records the decision on the pending approval cell with
// the given request key. It reports false when no such cell is pending.
func ResolveApproval(rt Runtime, requestKey string, approve bool) (Runtime, bool) {
	for i := len(rt.Cells) - 1; i >= 0; i-- {
		c := rt.Cells[i]
		if c.Kind != KindApproval || c.Approval == nil || c.Approval.RequestKey != requestKey {
			continue
		}
		if c.Approval.Status != ApprovalPending {
			return rt, false
		}
		next := rt.Clone()
		next.Cells[i].Approval.Status = ApprovalDenied
		if approve {
			next.Cells[i].Approval.Status = ApprovalApproved
		}
		return next, true
	}
	return rt, false
}
