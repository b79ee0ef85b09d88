package messaging

import "google.golang.org/grpc/grpclog"

var logger = grpclog.Component("messaging")
