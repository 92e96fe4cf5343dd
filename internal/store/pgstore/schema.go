package pgstore

// Schema is the DDL expected by this store. Applied out of band by the
// operator; the sqlite path uses gormstore.Migrate instead.
const Schema = `
create table if not exists user_ledgers (
	user_id                  text primary key,
	revision                 bigint not null,
	usable_points            double precision not null,
	total_points             double precision not null,
	total_redeemed           double precision not null,
	total_vouchers_purchased bigint not null,
	entries                  jsonb not null,
	created_at               timestamptz not null default now(),
	updated_at               timestamptz not null default now()
);

create table if not exists voucher_products (
	product_id        uuid primary key,
	name              text not null,
	points_cost       bigint not null,
	total_quantity    bigint not null,
	redeemed_quantity bigint not null,
	unlimited         boolean not null,
	active            boolean not null,
	created_at        timestamptz not null,
	updated_at        timestamptz not null
);

create index if not exists idx_voucher_products_cost on voucher_products (points_cost);

create table if not exists vouchers (
	voucher_id   uuid primary key,
	user_id      text not null,
	product_id   uuid not null,
	product_name text not null,
	points_cost  bigint not null,
	code         text not null,
	status       text not null,
	purchased_at timestamptz not null,
	used_at      timestamptz,
	used_by      text
);

create unique index if not exists uniq_voucher_code on vouchers (code);
create index if not exists idx_vouchers_user_purchased on vouchers (user_id, purchased_at desc);
`
