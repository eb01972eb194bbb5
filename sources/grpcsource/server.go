/*
 Copyright 2019 Vimeo Inc.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

      http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package grpcsource

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/vimeo/photocache"
)

const (
	serviceName    = "photocache.PhotoSource"
	getPhotoMethod = "/" + serviceName + "/GetPhoto"
)

// PhotoSourceServer answers photo requests from peers.
type PhotoSourceServer interface {
	// GetPhoto returns the photo for the address in req, or a NotFound
	// status when there is none.
	GetPhoto(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

func getPhotoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PhotoSourceServer).GetPhoto(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: getPhotoMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PhotoSourceServer).GetPhoto(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PhotoSourceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPhoto", Handler: getPhotoHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// Handler serves photos from a PhotoCache. The cache should only hold local
// sources, or peers serving each other would forward requests in a circle.
type Handler struct {
	cache *photocache.PhotoCache
}

// RegisterServer registers a Handler for pc with grpcServer.
func RegisterServer(pc *photocache.PhotoCache, grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, &Handler{cache: pc})
}

// GetPhoto implements PhotoSourceServer.
func (h *Handler) GetPhoto(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "empty address")
	}
	photo, err := h.cache.GetPhoto(ctx, req.GetValue())
	if err != nil {
		return nil, statusFromError(err)
	}
	if photo == nil {
		return nil, status.Errorf(codes.NotFound, "no photo for %q", req.GetValue())
	}
	defer photo.Close()
	data, err := io.ReadAll(photo)
	if err != nil {
		return nil, statusFromError(err)
	}
	return &wrapperspb.BytesValue{Value: data}, nil
}

func statusFromError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, photocache.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
