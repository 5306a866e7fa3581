// Package stream assembles sessions, feeds and the broker into the units an
// application works with.
//
// An Output writes one session as one stream: a session.Output and the data,
// samples and events feeds all share a single ordered broker.StreamWriter,
// so a reader sees every frame in the order it was written. An Input is the
// broker.StreamInput of one consumed stream: it decodes frames, applies
// session snapshots, resolves the session's data format from the schema
// registry and routes batches to the bound feeds.
//
// Writer and Reader are facades for host programs:
//
//	w, err := stream.NewWriter(ctx, client, reg, "car-data", format, config)
//	err = w.OpenSession(ctx, "Silverstone FP1", time.Now())
//	_, err = w.Write(ctx, "", batch)
//	err = w.CloseSession(ctx)
//
//	r, err := stream.NewReader(client, reg, "car-data")
//	p, err := r.ReadAndLinkData(ctx, params, handler,
//		stream.NewOutputFactory(topic, outFormatID, outFormat), []string{""})
package stream
