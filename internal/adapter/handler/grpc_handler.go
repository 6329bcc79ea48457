package handler

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/agrous/stock-ledger/internal/auth"
	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/core/service"
	"github.com/agrous/stock-ledger/internal/logging"
)

const stockLedgerServiceName = "agrous.inventory.v1.StockLedger"

type RecordMovementRequest struct {
	ItemID    string          `json:"item_id"`
	Direction string          `json:"direction"`
	Quantity  decimal.Decimal `json:"quantity"`
	RequestID string          `json:"request_id"`
	Note      *string         `json:"note,omitempty"`
}

type RecordMovementResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Code    string              `json:"code,omitempty"`
	Item    *domain.Item        `json:"item,omitempty"`
	Entry   *domain.LedgerEntry `json:"entry,omitempty"`
}

type GetItemRequest struct {
	ItemID string `json:"item_id"`
}

type GetItemResponse struct {
	Item *domain.Item `json:"item"`
}

type StockLedgerServer interface {
	RecordMovement(context.Context, *RecordMovementRequest) (*RecordMovementResponse, error)
	GetItem(context.Context, *GetItemRequest) (*GetItemResponse, error)
}

var _ StockLedgerServer = (*GRPCHandler)(nil)

type GRPCHandler struct {
	items *service.ItemService
	stock *service.StockService
	log   logrus.FieldLogger
}

func NewGRPCHandler(items *service.ItemService, stock *service.StockService, log logrus.FieldLogger) *GRPCHandler {
	return &GRPCHandler{items: items, stock: stock, log: log}
}

// RecordMovement reports business failures in the response body, like the
// HTTP API. Only unexpected failures become gRPC errors.
func (h *GRPCHandler) RecordMovement(ctx context.Context, req *RecordMovementRequest) (*RecordMovementResponse, error) {
	owner, _ := auth.UserID(ctx)

	res, err := h.stock.RecordMovement(ctx, domain.Movement{
		ItemID:    req.ItemID,
		OwnerID:   owner,
		Direction: domain.Direction(req.Direction),
		Quantity:  req.Quantity,
		RequestID: req.RequestID,
		Note:      req.Note,
	})
	if err != nil {
		_, code, message := errorStatus(err)
		if code == "internal_error" {
			logging.LogError(h.log, "handler", "RecordMovement", req.ItemID, owner, err)
			return nil, status.Error(codes.Internal, message)
		}
		return &RecordMovementResponse{Success: false, Message: message, Code: code}, nil
	}

	return &RecordMovementResponse{
		Success: true,
		Message: "movement recorded",
		Item:    &res.Item,
		Entry:   &res.Entry,
	}, nil
}

func (h *GRPCHandler) GetItem(ctx context.Context, req *GetItemRequest) (*GetItemResponse, error) {
	owner, _ := auth.UserID(ctx)

	item, err := h.items.Get(ctx, owner, req.ItemID)
	if err != nil {
		if errors.Is(err, service.ErrItemNotFound) {
			return nil, status.Error(codes.NotFound, "item not found")
		}
		logging.LogError(h.log, "handler", "GetItem", req.ItemID, owner, err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return &GetItemResponse{Item: item}, nil
}

// AuthInterceptor resolves the "authorization" metadata entry the same way
// the HTTP API resolves its header.
func AuthInterceptor(tokens *auth.Manager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}

		userID, err := tokens.ParseHeader(header)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid bearer token")
		}
		return handler(auth.WithUserID(ctx, userID), req)
	}
}

func LogInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start).String(),
		}).Info("rpc")
		return resp, err
	}
}

func RegisterStockLedgerServer(s grpc.ServiceRegistrar, srv StockLedgerServer) {
	s.RegisterService(&StockLedgerServiceDesc, srv)
}

var StockLedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: stockLedgerServiceName,
	HandlerType: (*StockLedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RecordMovement", Handler: recordMovementHandler},
		{MethodName: "GetItem", Handler: getItemHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agrous/inventory/v1/stock_ledger.proto",
}

func recordMovementHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RecordMovementRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockLedgerServer).RecordMovement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + stockLedgerServiceName + "/RecordMovement",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockLedgerServer).RecordMovement(ctx, req.(*RecordMovementRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getItemHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetItemRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StockLedgerServer).GetItem(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + stockLedgerServiceName + "/GetItem",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(StockLedgerServer).GetItem(ctx, req.(*GetItemRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// StockLedgerClient calls the StockLedger service with the JSON codec.
type StockLedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewStockLedgerClient(cc grpc.ClientConnInterface) *StockLedgerClient {
	return &StockLedgerClient{cc: cc}
}

func (c *StockLedgerClient) RecordMovement(ctx context.Context, in *RecordMovementRequest, opts ...grpc.CallOption) (*RecordMovementResponse, error) {
	out := new(RecordMovementResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+stockLedgerServiceName+"/RecordMovement", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *StockLedgerClient) GetItem(ctx context.Context, in *GetItemRequest, opts ...grpc.CallOption) (*GetItemResponse, error) {
	out := new(GetItemResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+stockLedgerServiceName+"/GetItem", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
