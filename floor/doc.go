// Package floor implements turn arbitration for a deliberation session.
//
// The floor is the exclusive right to publish the next message. At most
// one participant holds it at any instant; contenders queue by urgency
// and are granted in priority order, subject to a per-agent cooldown, a
// hold timeout, and a bounded queue.
package floor
