package paynet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthNetwork confirms payments made as native-value transfers on an EVM
// chain. The payment reference is the transaction hash.
type EthNetwork struct {
	client        *ethclient.Client
	treasury      common.Address
	checkTreasury bool
	confirmations uint64
}

type EthNetworkConfig struct {
	RPCURL string
	// TreasuryAddress, when set, must be the recipient of the payment.
	TreasuryAddress string
	Confirmations   uint64
}

func NewEthNetwork(ctx context.Context, cfg EthNetworkConfig) (*EthNetwork, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	n := &EthNetwork{
		client:        cli,
		confirmations: cfg.Confirmations,
	}
	if n.confirmations == 0 {
		n.confirmations = 1
	}
	if cfg.TreasuryAddress != "" {
		if !common.IsHexAddress(cfg.TreasuryAddress) {
			cli.Close()
			return nil, fmt.Errorf("invalid treasury address %q", cfg.TreasuryAddress)
		}
		n.treasury = common.HexToAddress(cfg.TreasuryAddress)
		n.checkTreasury = true
	}
	return n, nil
}

func (n *EthNetwork) Close() {
	n.client.Close()
}

func (n *EthNetwork) Ping(ctx context.Context) error {
	_, err := n.client.BlockNumber(ctx)
	return err
}

func (n *EthNetwork) PaymentStatus(ctx context.Context, paymentRef string) (Status, error) {
	if !isTxHash(paymentRef) {
		return StatusRejected, nil
	}
	hash := common.HexToHash(paymentRef)

	receipt, err := n.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch receipt: %w", err)
	}

	if n.checkTreasury {
		tx, _, err := n.client.TransactionByHash(ctx, hash)
		if err != nil {
			return "", fmt.Errorf("fetch transaction: %w", err)
		}
		if tx.To() == nil || *tx.To() != n.treasury {
			return StatusRejected, nil
		}
	}

	head, err := n.client.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch head: %w", err)
	}
	return classifyReceipt(receipt, head, n.confirmations), nil
}

func classifyReceipt(receipt *types.Receipt, head, required uint64) Status {
	if receipt.Status == types.ReceiptStatusFailed {
		return StatusRejected
	}
	if receipt.BlockNumber == nil {
		return StatusPending
	}
	block := receipt.BlockNumber.Uint64()
	if head < block {
		return StatusPending
	}
	if head-block+1 >= required {
		return StatusConfirmed
	}
	return StatusPending
}

func isTxHash(ref string) bool {
	if len(ref) != 66 || !strings.HasPrefix(ref, "0x") {
		return false
	}
	for _, c := range ref[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
