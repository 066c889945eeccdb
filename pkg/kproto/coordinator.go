package kproto

// GroupCoordinatorRequest asks the cluster which broker is the
// coordinator for a consumer group.
type GroupCoordinatorRequest struct {
	GroupID string
}

func (*GroupCoordinatorRequest) Key() ApiKey            { return GroupCoordinator }
func (*GroupCoordinatorRequest) Version() int16         { return 0 }
func (*GroupCoordinatorRequest) ExpectsResponse() bool  { return true }
func (*GroupCoordinatorRequest) ResponseKind() Response { return &GroupCoordinatorResponse{} }

func (r *GroupCoordinatorRequest) AppendBody(dst []byte) []byte {
	return AppendString(dst, r.GroupID)
}

type GroupCoordinatorResponse struct {
	ErrorCode       ErrorCode
	CoordinatorID   int32
	CoordinatorHost string
	CoordinatorPort int32
}

func (*GroupCoordinatorResponse) Key() ApiKey { return GroupCoordinator }

func (g *GroupCoordinatorResponse) ReadFrom(body []byte) error {
	r := Reader{Src: body}
	g.ErrorCode = ErrorCode(r.Int16())
	g.CoordinatorID = r.Int32()
	g.CoordinatorHost = r.String()
	g.CoordinatorPort = r.Int32()
	return r.Err()
}

func (g *GroupCoordinatorResponse) AppendBody(dst []byte) []byte {
	dst = AppendInt16(dst, int16(g.ErrorCode))
	dst = AppendInt32(dst, g.CoordinatorID)
	dst = AppendString(dst, g.CoordinatorHost)
	dst = AppendInt32(dst, g.CoordinatorPort)
	return dst
}
