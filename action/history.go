package action

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/contentrepo/errors"
	"github.com/cubefs/contentrepo/node"
	"github.com/cubefs/contentrepo/qname"
)

// Execution records live under the actioned node as primary children of
// act:executionHistory. They are written in their own transaction so that
// a rolled back action still leaves its record behind.

// doIndependent runs fn in a new transaction. When that transaction can
// not see the node, which happens for nodes created by the current
// transaction, fn is redone in the current one.
func (s *Service) doIndependent(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.helper.DoInTransaction(ctx, fn, false, true)
	if err != apierrors.ErrNodeNotFound {
		return err
	}
	trace.SpanFromContextSafe(ctx).Debug("node invisible to a new transaction, redo inline")
	return s.helper.DoInTransaction(ctx, fn, false, false)
}

func (s *Service) createExecutionDetails(ctx context.Context, a *Action, ref node.NodeRef) (details node.NodeRef, err error) {
	err = s.doIndependent(ctx, func(ctx context.Context) error {
		parent, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		n, err := s.nodes.NewNode(ctx, ref.Store, "", qname.TypeActionExecution)
		if err != nil {
			return err
		}
		if _, err = s.nodes.NewChildAssoc(ctx, parent.ID, n.ID, true, qname.AssocExecutionHistory, qname.AssocExecutionHistory); err != nil {
			return err
		}
		props := map[qname.QName]interface{}{
			qname.PropExecutionActionID: a.ID,
			qname.PropDefinitionName:    a.DefinitionName,
			qname.PropExecutionStatus:   string(StatusPending),
		}
		if a.Title != "" {
			props[qname.PropActionTitle] = a.Title
		}
		if err = s.nodes.SetProperties(ctx, n.ID, props); err != nil {
			return err
		}
		details = n.Ref
		return nil
	})
	return
}

// ensureHistoryAspect marks the actioned node in the caller's transaction.
func (s *Service) ensureHistoryAspect(ctx context.Context, ref node.NodeRef) error {
	n, err := s.nodes.GetNode(ctx, ref)
	if err != nil {
		return err
	}
	has, err := s.nodes.HasAspect(ctx, n.ID, qname.AspectExecutionHistory)
	if err != nil || has {
		return err
	}
	return s.nodes.AddAspects(ctx, n.ID, qname.AspectExecutionHistory)
}

func (s *Service) updateExecutionDetails(ctx context.Context, details node.NodeRef, props map[qname.QName]interface{}) error {
	if details.IsZero() {
		return nil
	}
	err := s.doIndependent(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, details)
		if err != nil {
			return err
		}
		return s.nodes.AddProperties(ctx, n.ID, props)
	})
	if err == apierrors.ErrNodeNotFound {
		// the actioned node went away with its history
		trace.SpanFromContextSafe(ctx).Warnf("execution record %s is gone", details)
		return nil
	}
	return err
}

func (s *Service) updateExecutionStatus(ctx context.Context, details node.NodeRef, status ExecutionStatus) error {
	props := map[qname.QName]interface{}{qname.PropExecutionStatus: string(status)}
	now := time.Now().UTC()
	switch status {
	case StatusRunning:
		props[qname.PropExecutionStartDate] = now
	case StatusSucceeded:
		props[qname.PropExecutionEndDate] = now
	}
	return s.updateExecutionDetails(ctx, details, props)
}

func (s *Service) updateExecutionFailure(ctx context.Context, details node.NodeRef, cause error) error {
	return s.updateExecutionDetails(ctx, details, map[qname.QName]interface{}{
		qname.PropExecutionStatus:        string(StatusFailed),
		qname.PropExecutionEndDate:       time.Now().UTC(),
		qname.PropExecutionFailedMessage: cause.Error(),
		qname.PropExecutionFailedDetails: errors.Detail(cause),
	})
}

func (s *Service) updateExecutionCompensated(ctx context.Context, details node.NodeRef, compensatingID string) error {
	return s.updateExecutionDetails(ctx, details, map[qname.QName]interface{}{
		qname.PropExecutionStatus:      string(StatusCompensated),
		qname.PropExecutionCompensated: compensatingID,
	})
}

// GetExecutionHistory lists the execution records of a node, oldest first.
func (s *Service) GetExecutionHistory(ctx context.Context, ref node.NodeRef) (history []*ExecutionDetails, err error) {
	err = s.helper.DoInTransaction(ctx, func(ctx context.Context) error {
		n, err := s.nodes.GetNode(ctx, ref)
		if err != nil {
			return err
		}
		assocs, err := s.nodes.GetChildAssocs(ctx, n.ID, &node.ChildAssocFilter{Type: qname.AssocExecutionHistory})
		if err != nil {
			return err
		}
		history = make([]*ExecutionDetails, 0, len(assocs))
		for _, assoc := range assocs {
			props, err := s.nodes.GetProperties(ctx, assoc.ChildID)
			if err != nil {
				return err
			}
			history = append(history, toExecutionDetails(assoc.Child, props))
		}
		return nil
	}, true, false)
	return
}

func toExecutionDetails(ref node.NodeRef, props map[qname.QName]interface{}) *ExecutionDetails {
	d := &ExecutionDetails{Ref: ref}
	d.ActionID, _ = props[qname.PropExecutionActionID].(string)
	d.DefinitionName, _ = props[qname.PropDefinitionName].(string)
	d.Title, _ = props[qname.PropActionTitle].(string)
	status, _ := props[qname.PropExecutionStatus].(string)
	d.Status = ExecutionStatus(status)
	if t, ok := props[qname.PropExecutionStartDate].(time.Time); ok {
		d.StartDate = &t
	}
	if t, ok := props[qname.PropExecutionEndDate].(time.Time); ok {
		d.EndDate = &t
	}
	d.FailureMessage, _ = props[qname.PropExecutionFailedMessage].(string)
	d.FailureDetails, _ = props[qname.PropExecutionFailedDetails].(string)
	d.CompensatingID, _ = props[qname.PropExecutionCompensated].(string)
	return d
}
