// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package msgtun tunnels HTTP request-response exchanges across any duplex message-passing boundary.

A Port is a duplex endpoint that can post discrete messages, optionally carrying other Ports, and deliver received messages to listeners. NewPipe returns an entangled in-memory pair, and a Muxer carries any number of Ports over a single byte stream such as a TCP connection or a websocket.

An Invoker correlates one REQUEST message with one RESPONSE message over a Port using call IDs. Failures never cross the boundary as native errors; they are serialized into a SerializedError and reconstructed as a RemoteError that keeps the message and every extra field.

A Stream turns a Source of byte chunks into a series of invocations, one per value, where the acknowledgement of value N is the only permission to send value N+1. SendStream and HandleStreams open a dedicated port pair per stream.

SendHTTPRequest and HandleHTTPRequests map a http.Request and its http.Response onto a Stream: the first value is the length-framed JSON options record, the remaining values are body chunks. Requests using GET, HEAD or OPTIONS carry no body, and responses to HEAD or OPTIONS carry none either.

A Directory maps keys or URL prefixes to handlers or ports on a first-match basis. The Gateway uses it to route incoming HTTP requests to registered endpoints, falling back to a plain HTTP transport for unmatched requests.
*/
package msgtun
