package server

import (
	"errors"
	"net/http"

	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apierrors "github.com/cubefs/contentrepo/errors"
)

type errorCode struct {
	status int
	code   codes.Code
}

var (
	notFound    = errorCode{http.StatusNotFound, codes.NotFound}
	conflict    = errorCode{http.StatusConflict, codes.AlreadyExists}
	aborted     = errorCode{http.StatusConflict, codes.Aborted}
	badRequest  = errorCode{http.StatusBadRequest, codes.InvalidArgument}
	forbidden   = errorCode{http.StatusForbidden, codes.FailedPrecondition}
	tooMany     = errorCode{http.StatusTooManyRequests, codes.ResourceExhausted}
	unavailable = errorCode{http.StatusServiceUnavailable, codes.Unavailable}
)

var errorCodes = map[error]errorCode{
	apierrors.ErrStoreNotFound:  notFound,
	apierrors.ErrNodeNotFound:   notFound,
	apierrors.ErrAssocNotFound:  notFound,
	apierrors.ErrAclNotFound:    notFound,
	apierrors.ErrActionNotFound: notFound,
	apierrors.ErrNoQueue:        notFound,
	apierrors.ErrQNameNotFound:  notFound,
	apierrors.ErrStoreHasNoRoot: notFound,
	apierrors.ErrRuleNotFound:   notFound,

	apierrors.ErrStoreExists:        conflict,
	apierrors.ErrInvalidNodeRef:     conflict,
	apierrors.ErrDuplicateChildName: conflict,
	apierrors.ErrAssocExists:        conflict,
	apierrors.ErrCyclicAssoc:        conflict,
	apierrors.ErrCyclicalAcl:        conflict,

	apierrors.ErrConcurrencyFailure: aborted,
	apierrors.ErrUniqueConflict:     aborted,
	apierrors.ErrRetryExhausted:     aborted,

	apierrors.ErrInvalidQName:            badRequest,
	apierrors.ErrUnknownPrefix:           badRequest,
	apierrors.ErrNodeRefFormat:           badRequest,
	apierrors.ErrInvalidProperty:         badRequest,
	apierrors.ErrInvalidArgs:             badRequest,
	apierrors.ErrInvalidParameter:        badRequest,
	apierrors.ErrActionDefinition:        badRequest,
	apierrors.ErrConditionDefinition:     badRequest,
	apierrors.ErrCompositeConditionEmpty: badRequest,
	apierrors.ErrImport:                  badRequest,
	apierrors.ErrBindingMarker:           badRequest,
	apierrors.ErrImportLocation:          badRequest,
	apierrors.ErrImportNoName:            badRequest,
	apierrors.ErrInvalidAclType:          badRequest,
	apierrors.ErrUnsupportedAclType:      badRequest,
	apierrors.ErrInvalidRule:             badRequest,
	apierrors.ErrInvalidRuleType:         badRequest,

	apierrors.ErrAclImmutable:    forbidden,
	apierrors.ErrSharedAclCreate: forbidden,
	apierrors.ErrOldAclVersioned: forbidden,
	apierrors.ErrAclNotLatest:    forbidden,

	apierrors.ErrLimitExceeded: tooMany,
	apierrors.ErrQueueClosed:   unavailable,
	apierrors.ErrCommitUnknown: unavailable,
}

func lookupCode(err error) (errorCode, bool) {
	if ec, ok := errorCodes[err]; ok {
		return ec, true
	}
	for target, ec := range errorCodes {
		if errors.Is(err, target) {
			return ec, true
		}
	}
	return errorCode{}, false
}

func httpError(err error) error {
	if err == nil {
		return nil
	}
	if ec, ok := lookupCode(err); ok {
		return rpc.NewError(ec.status, "", err)
	}
	return err
}

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if ec, ok := lookupCode(err); ok {
		return status.Error(ec.code, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
