package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "credit.v1.CreditService"

const (
	methodGetBalance       = "GetBalance"
	methodCredit           = "Credit"
	methodDebit            = "Debit"
	methodListTransactions = "ListTransactions"
	methodRefund           = "Refund"
)

// CreditServiceHandler is the server side of credit.v1.CreditService. Every message is a
// google.protobuf.Struct so the service needs no generated code.
type CreditServiceHandler interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Debit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Refund(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// CreditServiceDesc describes credit.v1.CreditService for grpc.Server registration.
var CreditServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditServiceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, CreditServiceHandler.GetBalance)},
		{MethodName: methodCredit, Handler: unaryHandler(methodCredit, CreditServiceHandler.Credit)},
		{MethodName: methodDebit, Handler: unaryHandler(methodDebit, CreditServiceHandler.Debit)},
		{MethodName: methodListTransactions, Handler: unaryHandler(methodListTransactions, CreditServiceHandler.ListTransactions)},
		{MethodName: methodRefund, Handler: unaryHandler(methodRefund, CreditServiceHandler.Refund)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credit/v1/credit.proto",
}

// RegisterCreditServiceServer registers handler on registrar.
func RegisterCreditServiceServer(registrar grpc.ServiceRegistrar, handler CreditServiceHandler) {
	registrar.RegisterService(&CreditServiceDesc, handler)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type unaryMethod func(handler CreditServiceHandler, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

// unaryHandler returns the unnamed func type grpc.MethodDesc.Handler expects.
func unaryHandler(method string, call unaryMethod) func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		handler := server.(CreditServiceHandler)
		if interceptor == nil {
			return call(handler, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod(method)}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(handler, ctx, request.(*structpb.Struct))
		})
	}
}
