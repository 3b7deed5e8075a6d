package service

import (
	"context"

	"go.uber.org/zap"
)

// Payout 资金出口。提现与费用归集在同一原子调用的最后一步调用它，
// 返回错误时整个调用回滚。
type Payout interface {
	Transfer(ctx context.Context, account string, amount uint64, reference string) error
}

// LogPayout 只记录日志的资金出口，用于没有外部结算系统的部署
type LogPayout struct {
	log *zap.Logger
}

// NewLogPayout 创建日志资金出口
func NewLogPayout(log *zap.Logger) *LogPayout {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPayout{log: log}
}

// Transfer 记录一次转出
func (p *LogPayout) Transfer(ctx context.Context, account string, amount uint64, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.log.Info("payout",
		zap.String("account", account),
		zap.Uint64("amount", amount),
		zap.String("reference", reference))
	return nil
}

// Funding 资金入口。充值与注册在同一原子调用的最后一步向调用账户收款，
// 返回错误时整个调用回滚，不会产生没有对应资金的额度。
// 拒绝收款时应返回 domain.ErrFundingDeclined（或包装它）。
type Funding interface {
	Collect(ctx context.Context, account string, amount uint64, reference string) error
}

// LogFunding 只记录日志的资金入口，不做真实扣款，只用于开发环境
type LogFunding struct {
	log *zap.Logger
}

// NewLogFunding 创建日志资金入口
func NewLogFunding(log *zap.Logger) *LogFunding {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogFunding{log: log}
}

// Collect 记录一次收款
func (f *LogFunding) Collect(ctx context.Context, account string, amount uint64, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.log.Info("funding",
		zap.String("account", account),
		zap.Uint64("amount", amount),
		zap.String("reference", reference))
	return nil
}
