// Package gocal provides typed publish/subscribe messaging over a
// pluggable buffer transport, with an optional zero-copy send path.
//
// A Runtime owns the transport and tracks every handle:
//
//	rt, err := gocal.Initialize(ctx, "hello_send")
//	if err != nil {
//		return err
//	}
//	defer rt.Finalize()
//
//	pub, err := gocal.NewPublisher(rt, "hello", codec.String())
//	if err != nil {
//		return err
//	}
//	_, err = pub.Send("Hello from Go", gocal.Auto)
//
// Subscribers register a callback that receives the decoded payload and
// receive metadata:
//
//	sub, err := gocal.NewSubscriber(rt, "hello", codec.String())
//	sub.SetCallback(func(msg gocal.ReceivedMessage[string]) {
//		fmt.Println(msg.Payload, msg.Metadata.Timestamp)
//	})
//
// Large payloads can be written straight into the transport buffer with a
// PayloadWriter passed to SendPayloadWriter. Writers that also implement
// ModifiedWriter only patch the regions that changed when the transport
// reuses the previous buffer.
//
// Delivery is best effort. Buffers are never observed partially written.
package gocal
