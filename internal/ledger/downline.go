package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxSubtreeDepth reports the deepest downline BuildSubtree will assemble.
func (service *Service) MaxSubtreeDepth() int {
	return service.maxSubtreeDepth
}

// BuildSubtree assembles the downline of rootID up to maxDepth referral levels, level by level
// through the referrer index. Depth zero yields the root alone. Children are ordered by account id.
func (service *Service) BuildSubtree(ctx context.Context, rootID AccountID, maxDepth int) (*SubtreeNode, error) {
	if maxDepth < 0 || maxDepth > service.maxSubtreeDepth {
		cause := fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidDepth, maxDepth, service.maxSubtreeDepth)
		return nil, newServiceError(opBuildSubtree, reasonInvalidDepth, cause)
	}
	if service.db == nil {
		service.logError(opBuildSubtree, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opBuildSubtree, reasonMissingDatabase, errMissingDatabase)
	}

	var root *SubtreeNode
	err := service.withBusyRetry(ctx, opBuildSubtree, func(attemptCtx context.Context) error {
		return service.db.WithContext(attemptCtx).Transaction(func(transaction *gorm.DB) error {
			built, err := service.assembleSubtree(transaction, rootID, maxDepth)
			if err != nil {
				return err
			}
			root = built
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return root, nil
}

func (service *Service) assembleSubtree(transaction *gorm.DB, rootID AccountID, maxDepth int) (*SubtreeNode, error) {
	rootAccount, err := findAccount(transaction, rootID)
	if err != nil {
		return nil, service.accountLookupError(opBuildSubtree, rootID, err)
	}
	generated, err := generatedTotals(transaction, []int64{rootAccount.ID})
	if err != nil {
		service.logError(opBuildSubtree, reasonQueryFailed, err, zap.Int64(fieldAccountID, rootAccount.ID))
		return nil, newServiceError(opBuildSubtree, reasonQueryFailed, err)
	}
	root := newSubtreeNode(rootAccount, 0, generated)

	visited := map[int64]struct{}{rootAccount.ID: {}}
	frontier := []*SubtreeNode{root}
	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		parents := make(map[int64]*SubtreeNode, len(frontier))
		parentIDs := make([]int64, 0, len(frontier))
		for _, node := range frontier {
			parents[node.AccountID.Int64()] = node
			parentIDs = append(parentIDs, node.AccountID.Int64())
		}

		children, err := childAccounts(transaction, parentIDs)
		if err != nil {
			service.logError(opBuildSubtree, reasonQueryFailed, err, zap.Int(fieldDepth, depth))
			return nil, newServiceError(opBuildSubtree, reasonQueryFailed, err)
		}
		childIDs := make([]int64, 0, len(children))
		for _, child := range children {
			childIDs = append(childIDs, child.ID)
		}
		totals, err := generatedTotals(transaction, childIDs)
		if err != nil {
			service.logError(opBuildSubtree, reasonQueryFailed, err, zap.Int(fieldDepth, depth))
			return nil, newServiceError(opBuildSubtree, reasonQueryFailed, err)
		}

		next := make([]*SubtreeNode, 0, len(children))
		for _, child := range children {
			if _, seen := visited[child.ID]; seen {
				continue
			}
			visited[child.ID] = struct{}{}
			node := newSubtreeNode(child, depth, totals)
			parent := parents[*child.ReferrerID]
			parent.Children = append(parent.Children, node)
			next = append(next, node)
		}
		frontier = next
	}
	return root, nil
}

// childAccounts loads the direct referrals of every parent, ordered by id, through the referrer index.
func childAccounts(transaction *gorm.DB, parentIDs []int64) ([]Account, error) {
	children := make([]Account, 0)
	for start := 0; start < len(parentIDs); start += lookupChunkSize {
		end := min(start+lookupChunkSize, len(parentIDs))
		var batch []Account
		err := transaction.Where(columnReferrerID+" IN ?", parentIDs[start:end]).
			Order(orderAccountIDAsc).
			Find(&batch).Error
		if err != nil {
			return nil, err
		}
		children = append(children, batch...)
	}
	return children, nil
}

func newSubtreeNode(account Account, depth int, generated map[int64]decimal.Decimal) *SubtreeNode {
	return &SubtreeNode{
		AccountID: AccountID(account.ID),
		Username:  account.Username,
		Depth:     depth,
		Balance:   evaluateAccount(account, generated),
		Children:  []*SubtreeNode{},
	}
}
