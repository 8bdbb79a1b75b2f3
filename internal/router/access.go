package router

import (
	"context"
	"errors"

	"github.com/nugget/agrifarm/internal/users"
)

// CreditStore takes one chat credit from a user.
type CreditStore interface {
	DeductCredit(ctx context.Context, id string) (int, error)
}

// Access denial messages shown to the user.
const (
	msgPremiumOnly     = "Tính năng điều khiển IoT và xem cảm biến chỉ dành cho gói Premium. Vui lòng nâng cấp để sử dụng."
	msgNoCreditPremium = "Bạn đã hết credit. Vui lòng mua thêm credit để tiếp tục sử dụng !"
	msgNoCreditFree    = "Bạn đã hết 10 lượt hỏi miễn phí. Vui lòng nâng cấp lên gói Premium để nhận 200 credit/tháng."
)

// checkAccess decides whether u may run a query of intent. Financial
// queries are free; device and sensor queries need an active premium
// plan; knowledge and unknown queries cost one credit, deducted here.
// A non-empty message means access was denied.
func checkAccess(ctx context.Context, credits CreditStore, u *users.User, intent Intent) (string, error) {
	switch intent {
	case IntentFinancial:
		return "", nil
	case IntentDeviceControl, IntentSensor:
		if !u.HasPremiumAccess() {
			return msgPremiumOnly, nil
		}
		return "", nil
	}

	noCredit := msgNoCreditFree
	if u.HasPremiumAccess() {
		noCredit = msgNoCreditPremium
	}
	if u.Credits <= 0 {
		return noCredit, nil
	}
	if credits == nil {
		return "", nil
	}
	if _, err := credits.DeductCredit(ctx, u.ID); err != nil {
		if errors.Is(err, users.ErrNoCredits) {
			return noCredit, nil
		}
		return "", err
	}
	return "", nil
}
